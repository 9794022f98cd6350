package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var runtimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "Manage interpreter WASM binaries",
	Long: `Fetch and inspect the interpreter binaries krater executes.

Binaries are stored in the runtimes directory and loaded lazily the
first time a language is used.`,
}

var runtimesFetchCmd = &cobra.Command{
	Use:   "fetch [language...]",
	Short: "Download interpreter binaries",
	Long: `Download the interpreter WASM binaries into the runtimes
directory. With no arguments, fetches every supported language.
Existing binaries are kept; use --force to re-download.`,
	RunE: runRuntimesFetch,
}

var runtimesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed interpreter binaries",
	RunE:  runRuntimesList,
}

func init() {
	runtimesFetchCmd.Flags().Bool("force", false, "Re-download even if the binary exists")
	runtimesCmd.AddCommand(runtimesFetchCmd, runtimesListCmd)
	rootCmd.AddCommand(runtimesCmd)
}

// interpreterSources maps language id to binary filename and download
// URL.
var interpreterSources = map[string]struct {
	file string
	url  string
}{
	"python": {
		file: "python.wasm",
		url:  "https://github.com/RustPython/RustPython/releases/latest/download/rustpython.wasm",
	},
	"javascript": {
		file: "quickjs.wasm",
		url:  "https://github.com/quickjs-ng/quickjs/releases/latest/download/qjs-wasi.wasm",
	},
}

func runRuntimesFetch(cmd *cobra.Command, args []string) error {
	dir := runtimeDir(cmd)
	force, _ := cmd.Flags().GetBool("force")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create runtimes directory: %w", err)
	}

	langs := args
	if len(langs) == 0 {
		for id := range interpreterSources {
			langs = append(langs, id)
		}
	}

	for _, lang := range langs {
		id, err := resolveLanguage(lang, "")
		if err != nil {
			return err
		}
		src := interpreterSources[id]
		dest := filepath.Join(dir, src.file)

		if !force {
			if _, err := os.Stat(dest); err == nil {
				fmt.Printf("%s: already present\n", id)
				continue
			}
		}

		fmt.Printf("%s: downloading %s\n", id, src.url)
		if err := download(src.url, dest); err != nil {
			return fmt.Errorf("fetch %s: %w", id, err)
		}
		fmt.Printf("%s: installed %s\n", id, dest)
	}
	return nil
}

// download fetches url into dest atomically: the file appears only
// after a complete transfer.
func download(url, dest string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".krater-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dest)
}

func runRuntimesList(cmd *cobra.Command, args []string) error {
	dir := runtimeDir(cmd)
	for id, src := range interpreterSources {
		path := filepath.Join(dir, src.file)
		info, err := os.Stat(path)
		if err != nil {
			fmt.Printf("%-12s missing (run `krater runtimes fetch %s`)\n", id, id)
			continue
		}
		fmt.Printf("%-12s %s (%d bytes)\n", id, path, info.Size())
	}
	return nil
}
