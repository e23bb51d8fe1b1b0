package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/kernelhost/khost/internal/config"
	"github.com/kernelhost/khost/internal/help"
	"github.com/kernelhost/khost/internal/query"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/store"
	"github.com/kernelhost/khost/internal/theme"
	"github.com/kernelhost/khost/internal/variables"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"

	defaultExecTimeout = 2 * time.Minute
)

var errExecutionFailed = errors.New("execution failed")

func newRuntimesCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "Discover the configured language runtimes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd.Context(), cfg, logger, func(a *app) error {
				if err := a.discover(cmd.Context()); err != nil {
					return err
				}
				runtimes := a.registry.Runtimes()
				return writeStructured(cmd.OutOrStdout(), output, runtimes, func() string {
					if len(runtimes) == 0 {
						return "no runtimes found"
					}
					rows := make([][]string, 0, len(runtimes))
					for _, meta := range runtimes {
						rows = append(rows, []string{meta.RuntimeID, meta.LanguageID, meta.RuntimeName, meta.RuntimeVersion, meta.RuntimePath})
					}
					return theme.Table([]string{"ID", "LANGUAGE", "NAME", "VERSION", "PATH"}, rows)
				})
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newExecCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var runtimeID, languageID string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec CODE",
		Short: "Run code in a fresh console session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd.Context(), cfg, logger, func(a *app) error {
				return a.withSession(cmd.Context(), runtimeID, languageID, func(ctx context.Context, s runtime.Session) error {
					return executeCode(ctx, s, args[0], timeout, cmd.OutOrStdout())
				})
			})
		},
	}
	addRuntimeFlags(cmd, &runtimeID, &languageID)
	cmd.Flags().DurationVar(&timeout, "timeout", defaultExecTimeout, "interrupt the execution after this long")
	return cmd
}

func newDocCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var runtimeID, languageID string
	var search bool
	cmd := &cobra.Command{
		Use:   "doc TOPIC",
		Short: "Show or search runtime help topics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return runWithApp(cmd.Context(), cfg, logger, func(a *app) error {
				return a.withSession(cmd.Context(), runtimeID, languageID, func(ctx context.Context, s runtime.Session) error {
					client, err := help.Open(ctx, s, help.Options{Logger: logger, Tracer: a.tracer, Timeout: cfg.HelpTimeout})
					if err != nil {
						return fmt.Errorf("open help channel: %w", err)
					}
					defer func() { _ = client.Dispose(context.WithoutCancel(ctx)) }()

					if search {
						topics, err := client.SearchHelpTopics(ctx, args[0])
						if err != nil {
							return fmt.Errorf("search help topics: %w", err)
						}
						for _, topic := range topics {
							fmt.Fprintln(out, topic)
						}
						return nil
					}

					stop := client.OnShowHelp(func(event help.ShowHelpEvent) {
						fmt.Fprintln(out, event.Content)
					})
					defer stop()
					found, err := client.ShowHelpTopic(ctx, args[0])
					if err != nil {
						return fmt.Errorf("show help topic: %w", err)
					}
					if !found {
						fmt.Fprintf(out, "no help found for %q\n", args[0])
					}
					return nil
				})
			})
		},
	}
	addRuntimeFlags(cmd, &runtimeID, &languageID)
	cmd.Flags().BoolVar(&search, "search", false, "list topics matching TOPIC instead of showing it")
	return cmd
}

func newVarsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var runtimeID, languageID, output string
	cmd := &cobra.Command{
		Use:   "vars [CODE]",
		Short: "List the variables a session holds, optionally after running CODE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return runWithApp(cmd.Context(), cfg, logger, func(a *app) error {
				return a.withSession(cmd.Context(), runtimeID, languageID, func(ctx context.Context, s runtime.Session) error {
					if len(args) == 1 {
						if err := executeCode(ctx, s, args[0], defaultExecTimeout, io.Discard); err != nil {
							return err
						}
					}
					client, err := variables.Open(ctx, s, variables.Options{
						Logger:         logger,
						Tracer:         a.tracer,
						InspectTimeout: cfg.VariablesTimeout,
					})
					if err != nil {
						return fmt.Errorf("open variables channel: %w", err)
					}
					defer func() { _ = client.Dispose(context.WithoutCancel(ctx)) }()

					list, err := client.List(ctx)
					if err != nil {
						return fmt.Errorf("list variables: %w", err)
					}
					return writeStructured(out, output, list, func() string {
						if len(list.Variables) == 0 {
							return "no variables"
						}
						rows := make([][]string, 0, len(list.Variables))
						for _, v := range list.Variables {
							rows = append(rows, []string{v.DisplayName, v.DisplayType, v.DisplayValue})
						}
						return theme.Table([]string{"NAME", "TYPE", "VALUE"}, rows)
					})
				})
			})
		},
	}
	addRuntimeFlags(cmd, &runtimeID, &languageID)
	addOutputFlag(cmd, &output)
	return cmd
}

func newIsCompleteCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var runtimeID, languageID string
	cmd := &cobra.Command{
		Use:   "is-complete CODE",
		Short: "Ask the runtime whether CODE is a complete statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd.Context(), cfg, logger, func(a *app) error {
				return a.withSession(cmd.Context(), runtimeID, languageID, func(ctx context.Context, s runtime.Session) error {
					handler, err := query.Open(ctx, s, query.Options{Logger: logger, Tracer: a.tracer, Timeout: cfg.QueryTimeout})
					if err != nil {
						return fmt.Errorf("open query channel: %w", err)
					}
					defer func() { _ = handler.Dispose(context.WithoutCancel(ctx)) }()

					status, err := handler.IsComplete(ctx, args[0])
					if err != nil {
						return fmt.Errorf("check completeness: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), status)
					return nil
				})
			})
		},
	}
	addRuntimeFlags(cmd, &runtimeID, &languageID)
	return cmd
}

func newSessionsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var output string
	var active bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List journaled sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd.Context(), cfg, logger, func(a *app) error {
				records, err := a.journal.ListSessions(cmd.Context(), active)
				if err != nil {
					return err
				}
				return writeStructured(cmd.OutOrStdout(), output, records, func() string {
					if len(records) == 0 {
						return "no sessions"
					}
					rows := make([][]string, 0, len(records))
					for _, record := range records {
						rows = append(rows, sessionRow(record))
					}
					return theme.Table([]string{"SESSION", "RUNTIME", "MODE", "STATE", "STARTED", "EXIT"}, rows)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only sessions that have not ended")
	addOutputFlag(cmd, &output)
	return cmd
}

func sessionRow(record store.SessionRecord) []string {
	exit := ""
	failed := false
	if record.ExitCode != nil {
		exit = strconv.Itoa(*record.ExitCode)
		failed = *record.ExitCode != 0
	}
	if record.ExitReason != "" {
		exit = strings.TrimSpace(exit + " " + string(record.ExitReason))
		failed = failed || record.ExitReason == runtime.ExitReasonError || record.ExitReason == runtime.ExitReasonStartupFailed
	}
	return []string{
		record.SessionID,
		record.RuntimeID,
		string(record.SessionMode),
		theme.StateBadge(record.State, failed),
		record.StartedAt.Local().Format(time.DateTime),
		exit,
	}
}

// executeCode runs code and streams its output to out until the kernel goes
// idle for this execution.
func executeCode(ctx context.Context, s runtime.Session, code string, timeout time.Duration, out io.Writer) error {
	executionID := uuid.NewString()
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	var execErr error
	trailingNewline := true
	stopMessages := s.OnMessage(func(msg runtime.Message) {
		if msg.ParentID != executionID {
			return
		}
		switch body := msg.Body.(type) {
		case runtime.Stream:
			fmt.Fprint(out, body.Text)
			trailingNewline = strings.HasSuffix(body.Text, "\n")
		case runtime.Result:
			endLine(out, trailingNewline)
			fmt.Fprintln(out, displayText(body.Data))
			trailingNewline = true
		case runtime.Output:
			endLine(out, trailingNewline)
			fmt.Fprintln(out, displayText(body.Data))
			trailingNewline = true
		case runtime.ExecError:
			endLine(out, trailingNewline)
			fmt.Fprintln(out, theme.ErrorStyle.Render(body.Name+": "+body.Message))
			for _, line := range body.Traceback {
				fmt.Fprintln(out, line)
			}
			trailingNewline = true
			execErr = fmt.Errorf("%w: %s", errExecutionFailed, body.Name)
		case runtime.StateChange:
			if body.State == runtime.StateIdle {
				endLine(out, trailingNewline)
				trailingNewline = true
				finish(execErr)
			}
		}
	})
	defer stopMessages()
	stopExit := s.OnExit(func(info runtime.ExitInfo) {
		finish(fmt.Errorf("session exited during execution: %s (code %d)", info.Reason, info.ExitCode))
	})
	defer stopExit()

	err := s.Execute(ctx, runtime.ExecuteRequest{
		Code:          code,
		ExecutionID:   executionID,
		Mode:          runtime.ExecuteModeInteractive,
		ErrorBehavior: runtime.ErrorBehaviorStop,
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		_ = s.Interrupt(ctx)
		return fmt.Errorf("execution did not finish within %s", timeout)
	case <-ctx.Done():
		_ = s.Interrupt(context.WithoutCancel(ctx))
		return ctx.Err()
	}
}

func endLine(out io.Writer, terminated bool) {
	if !terminated {
		fmt.Fprintln(out)
	}
}

// displayText prefers the plain-text representation of rich output.
func displayText(data map[string]any) string {
	if text, ok := data["text/plain"].(string); ok {
		return text
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(encoded)
}

func writeStructured(out io.Writer, format string, value any, table func() string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", formatTable:
		_, err := fmt.Fprintln(out, table())
		return err
	case formatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case formatYAML:
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		return errors.Join(encoder.Encode(value), encoder.Close())
	default:
		return fmt.Errorf("unsupported output format %q (want %s, %s or %s)", format, formatTable, formatJSON, formatYAML)
	}
}

func addOutputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", formatTable, "output format: table, json or yaml")
}

func addRuntimeFlags(cmd *cobra.Command, runtimeID, languageID *string) {
	cmd.Flags().StringVarP(runtimeID, "runtime", "r", "", "runtime ID to start")
	cmd.Flags().StringVarP(languageID, "language", "l", "", "start the preferred runtime of this language")
}
