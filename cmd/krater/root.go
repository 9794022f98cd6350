package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/language"
	"github.com/krater-dev/krater/language/javascript"
	"github.com/krater-dev/krater/language/python"
)

var rootCmd = &cobra.Command{
	Use:   "krater",
	Short: "Pooled WASM sandbox for untrusted Python and JavaScript",
	Long: `krater - Run untrusted Python and JavaScript through pooled
WebAssembly interpreter sessions.

Submissions are queued by priority, executed inside capability-scoped
sandboxes, and stream their console output, debug probes and errors as
events. Interpreter binaries live in the runtimes directory; fetch them
once with "krater runtimes fetch".`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("runtimes", "", "Runtimes directory (default: ~/.krater/runtimes)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")
}

func runtimeDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("runtimes"); dir != "" {
		return dir
	}
	if dir := os.Getenv("KRATER_RUNTIMES"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".krater/runtimes"
	}
	return filepath.Join(home, ".krater", "runtimes")
}

func buildLogger(cmd *cobra.Command) *zap.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func buildRegistry(runtimes string) *language.Registry {
	registry := language.NewRegistry()
	registry.Register(python.New(runtimes))
	registry.Register(javascript.New(runtimes))
	return registry
}

// resolveLanguage maps a flag value or filename extension to a
// registered language id.
func resolveLanguage(langFlag, filename string) (string, error) {
	lang := strings.ToLower(langFlag)

	if lang == "" && filename != "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".py":
			lang = "python"
		case ".js", ".mjs":
			lang = "javascript"
		}
	}

	switch lang {
	case "python", "py":
		return "python", nil
	case "javascript", "js":
		return "javascript", nil
	case "":
		return "", fmt.Errorf("language required: use --lang python or --lang javascript")
	default:
		return "", fmt.Errorf("unknown language %q: use python or javascript", lang)
	}
}

func parsePriority(s string) (executor.Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return executor.PriorityLow, nil
	case "", "normal":
		return executor.PriorityNormal, nil
	case "high":
		return executor.PriorityHigh, nil
	default:
		return executor.PriorityNormal, fmt.Errorf("unknown priority %q: use low, normal or high", s)
	}
}

// formatEvent renders one event for terminal output. Status events
// return an empty string; they only matter to machine consumers.
func formatEvent(ev executor.Event) string {
	switch ev.Type {
	case executor.EventConsole:
		return ev.Data
	case executor.EventDebug:
		return fmt.Sprintf("line %d: %s :: %s", ev.Line, ev.Data, ev.TypeTag)
	case executor.EventResult:
		if ev.TypeTag == "" || ev.TypeTag == "none" {
			return ev.Data
		}
		return fmt.Sprintf("%s :: %s", ev.Data, ev.TypeTag)
	case executor.EventError:
		return "error: " + ev.Data
	default:
		return ""
	}
}
