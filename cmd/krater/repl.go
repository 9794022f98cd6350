package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/service"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session with persistent interpreter state",
	Long: `Start an interactive Read-Eval-Print Loop.

Each line is submitted at high priority to a persistent interpreter
session, so variables and functions survive between lines.

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringP("lang", "l", "python", "Language: python, javascript")
	replCmd.Flags().String("packages", "", "Package directory for sandboxed imports")
	replCmd.Flags().String("history", "", "History file path (default: ~/.krater_history)")
	replCmd.Flags().Duration("timeout", 30*time.Second, "Per-line execution timeout")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	langFlag, _ := cmd.Flags().GetString("lang")
	languageID, err := resolveLanguage(langFlag, "")
	if err != nil {
		return err
	}
	packages, _ := cmd.Flags().GetString("packages")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".krater_history")
	}

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

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	// Interactive input() prompts share the readline instance.
	go func() {
		for req := range svc.Inputs() {
			rl.SetPrompt(req.Prompt)
			value, err := rl.Readline()
			rl.SetPrompt(">>> ")
			if err != nil {
				req.Reply("")
				continue
			}
			req.Reply(value)
		}
	}()

	fmt.Fprintf(os.Stderr, "krater %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", languageID)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "exit" || trimmed == "quit" {
			return nil
		}

		sub, err := svc.Submit(line, languageID, executor.Options{Timeout: timeout}, executor.PriorityHigh, printEvent)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		<-sub.Result
	}
}
