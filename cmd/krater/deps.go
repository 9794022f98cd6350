package main

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage Python packages importable from sandboxed code",
	Long: `Install and manage Python packages for the sandboxed module
loader. Packages are downloaded directly from PyPI as pure Python
wheels; C extensions cannot run inside the interpreter sandbox.

Point submissions at the directory with --packages (run/repl) or
packages.dir (serve config).`,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages from PyPI",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	RunE:  runDepsList,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsRemove,
}

var depsPkgDir string

func init() {
	depsCmd.PersistentFlags().StringVar(&depsPkgDir, "dir", ".krater/python/packages", "Package directory")
	depsCmd.AddCommand(depsInstallCmd, depsListCmd, depsRemoveCmd)
	rootCmd.AddCommand(depsCmd)
}

type pypiURL struct {
	PackageType string `json:"packagetype"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
}

type pypiResponse struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Urls []pypiURL `json:"urls"`
}

// unsupportedPackages cannot work under the sandbox: the capability
// allow-list exposes no sockets, and C extensions cannot load in the
// interpreter runtime.
var unsupportedPackages = map[string]string{
	"numpy":         "requires C extensions",
	"pandas":        "requires C extensions (numpy)",
	"scipy":         "requires C extensions",
	"scikit-learn":  "requires C extensions",
	"matplotlib":    "requires C extensions",
	"pillow":        "requires C extensions",
	"cryptography":  "requires C extensions",
	"lxml":          "requires C extensions",
	"opencv-python": "requires C extensions",
	"requests":      "needs sockets, which the sandbox does not expose",
	"httpx":         "needs sockets, which the sandbox does not expose",
	"urllib3":       "needs sockets, which the sandbox does not expose",
	"aiohttp":       "needs sockets, which the sandbox does not expose",
	"flask":         "web frameworks need sockets",
	"django":        "web frameworks need sockets",
	"fastapi":       "web frameworks need sockets",
}

func runDepsInstall(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(depsPkgDir, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}

	for _, spec := range args {
		name := parsePackageSpec(spec)
		if reason, blocked := unsupportedPackages[strings.ToLower(name)]; blocked {
			return fmt.Errorf("%s is not usable in the sandbox: %s", name, reason)
		}
		if err := installPackage(name); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	fmt.Println("Done.")
	return nil
}

// parsePackageSpec strips version constraints ("pydantic==2.0").
func parsePackageSpec(spec string) string {
	for _, op := range []string{">=", "<=", "==", "~=", "!="} {
		if idx := strings.Index(spec, op); idx != -1 {
			return spec[:idx]
		}
	}
	return spec
}

func installPackage(name string) error {
	fmt.Printf("Installing %s...\n", name)

	resp, err := http.Get(fmt.Sprintf("https://pypi.org/pypi/%s/json", name))
	if err != nil {
		return fmt.Errorf("fetch package info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("package not found on PyPI")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PyPI returned status %d", resp.StatusCode)
	}

	var pypi pypiResponse
	if err := json.NewDecoder(resp.Body).Decode(&pypi); err != nil {
		return fmt.Errorf("parse PyPI response: %w", err)
	}

	wheelURL := findWheel(pypi.Urls)
	if wheelURL == "" {
		return fmt.Errorf("no pure Python wheel available")
	}

	fmt.Printf("  Downloading %s-%s...\n", pypi.Info.Name, pypi.Info.Version)
	tmp, err := os.CreateTemp("", "krater-*.whl")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	wheelResp, err := http.Get(wheelURL)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("download wheel: %w", err)
	}
	defer wheelResp.Body.Close()

	if _, err := io.Copy(tmp, wheelResp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download wheel: %w", err)
	}
	tmp.Close()

	fmt.Printf("  Extracting...\n")
	return extractWheel(tmpPath, depsPkgDir)
}

// findWheel picks a pure Python wheel; anything with native code is
// rejected up front.
func findWheel(urls []pypiURL) string {
	for _, u := range urls {
		if u.PackageType != "bdist_wheel" {
			continue
		}
		filename := strings.ToLower(u.Filename)
		if strings.Contains(filename, "-py3-none-any") || strings.Contains(filename, "-py2.py3-none-any") {
			return u.URL
		}
	}
	return ""
}

func extractWheel(wheelPath, destDir string) error {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".so") || strings.HasSuffix(name, ".pyd") || strings.HasSuffix(name, ".dylib") {
			return fmt.Errorf("package contains native code (%s)", filepath.Base(f.Name))
		}
	}

	for _, f := range r.File {
		if strings.Contains(f.Name, ".dist-info/") {
			continue
		}

		destPath := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("wheel entry escapes package dir: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			os.MkdirAll(destPath, 0o755)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}

		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func runDepsList(cmd *cobra.Command, args []string) error {
	entries, err := os.ReadDir(depsPkgDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No packages installed.")
			return nil
		}
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No packages installed.")
		return nil
	}

	fmt.Printf("Packages in %s:\n", depsPkgDir)
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasSuffix(entry.Name(), ".dist-info") && !strings.HasPrefix(entry.Name(), "__") {
			fmt.Printf("  %s\n", entry.Name())
		}
	}
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	for _, pkg := range args {
		if err := os.RemoveAll(filepath.Join(depsPkgDir, pkg)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", pkg, err)
		}
		entries, _ := os.ReadDir(depsPkgDir)
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), pkg) && strings.HasSuffix(entry.Name(), ".dist-info") {
				os.RemoveAll(filepath.Join(depsPkgDir, entry.Name()))
			}
		}
		fmt.Printf("Removed %s\n", pkg)
	}
	return nil
}
