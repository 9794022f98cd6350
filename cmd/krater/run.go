package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/service"
	"github.com/krater-dev/krater/syncio"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a submission and stream its events",
	Long: `Execute Python or JavaScript code in a pooled sandbox.

Code can be provided via:
  - File argument: krater run script.py
  - Inline flag: krater run -l python -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | krater run -l python

Console output and debug probes print as they arrive. Interactive
input() calls prompt on the terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().StringP("lang", "l", "", "Language: python, javascript (default: detect from extension)")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout")
	runCmd.Flags().String("priority", "normal", "Queue priority: low, normal, high")
	runCmd.Flags().Bool("instrument", false, "Rewrite #=> annotations into debug probes")
	runCmd.Flags().Bool("show-undefined", false, "Report probes that evaluate to an undefined value")
	runCmd.Flags().String("workdir", "", "Directory exposed to the submission as its filesystem root")
	runCmd.Flags().String("packages", "", "Package directory for sandboxed imports")
	rootCmd.AddCommand(runCmd)
}

// readSource resolves the submission text from flag, file or stdin.
func readSource(cmd *cobra.Command, args []string) (source, filename string, err error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, "", nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", err
		}
		return string(data), args[0], nil
	default:
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return "", "", fmt.Errorf("no code given: pass a file, -c, or pipe stdin")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", err
		}
		return string(data), "", nil
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	source, filename, err := readSource(cmd, args)
	if err != nil {
		return err
	}

	langFlag, _ := cmd.Flags().GetString("lang")
	languageID, err := resolveLanguage(langFlag, filename)
	if err != nil {
		return err
	}

	prioFlag, _ := cmd.Flags().GetString("priority")
	prio, err := parsePriority(prioFlag)
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	instrument, _ := cmd.Flags().GetBool("instrument")
	showUndefined, _ := cmd.Flags().GetBool("show-undefined")
	workdir, _ := cmd.Flags().GetString("workdir")
	packages, _ := cmd.Flags().GetString("packages")

	logger := buildLogger(cmd)
	defer logger.Sync()

	svc, err := service.New(service.Config{
		DefaultTimeout: timeout,
		PackageDir:     packages,
	}, buildRegistry(runtimeDir(cmd)), logger)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = svc.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start execution host: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Close(ctx)
	}()

	go answerPrompts(svc.Inputs())

	sub, err := svc.Submit(source, languageID, executor.Options{
		Timeout:             timeout,
		Instrument:          instrument,
		ShowUndefinedValues: showUndefined,
		WorkingDirectory:    workdir,
	}, prio, printEvent)
	if err != nil {
		return err
	}

	if err := <-sub.Result; err != nil {
		// The error event already printed the detail.
		os.Exit(1)
	}
	return nil
}

// printEvent writes one event to the terminal: console info and
// results to stdout, warnings and errors to stderr.
func printEvent(ev executor.Event) {
	line := formatEvent(ev)
	if line == "" {
		return
	}
	switch {
	case ev.Type == executor.EventError,
		ev.Type == executor.EventConsole && ev.Subtype != executor.ConsoleInfo:
		fmt.Fprintln(os.Stderr, line)
	default:
		fmt.Println(line)
	}
}

// answerPrompts services interactive input requests on the terminal.
func answerPrompts(requests <-chan *syncio.Request) {
	for req := range requests {
		rl, err := readline.New(req.Prompt)
		if err != nil {
			req.Reply("")
			continue
		}
		value, err := rl.Readline()
		rl.Close()
		if err != nil {
			req.Reply("")
			continue
		}
		req.Reply(value)
	}
}
