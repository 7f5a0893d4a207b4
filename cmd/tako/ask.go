package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/config"
	"github.com/gosuda/tako/internal/domain"
)

const maxPrintedJSON = 200

func newAskCmd() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Run one turn locally and print its steps and response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ask(cmd.Context(), cmd.OutOrStdout(), threadID, args[0])
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "cli", "Thread to continue")
	return cmd
}

func ask(ctx context.Context, out io.Writer, threadID, prompt string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	d, err := openDeps(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.Close()

	orchestrator := agent.NewOrchestrator(d.store, d.turns, nil)
	run, err := orchestrator.StartTurn(ctx, agent.Session{ThreadID: threadID, Engine: d.engine}, prompt)
	if err != nil {
		return err
	}

	turn := follow(ctx, out, run)
	printResponse(out, turn)

	if err := run.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// follow prints tool steps as they arrive and returns the finalized turn.
// An interrupt cancels the turn, which is still finalized.
func follow(ctx context.Context, out io.Writer, run *agent.Run) *domain.Turn {
	cursor := 0
	for {
		if err := run.Wait(ctx, cursor); err != nil {
			run.Cancel()
			<-run.Done()
			steps, _ := run.StepsSince(cursor)
			printSteps(out, steps)
			return run.Turn()
		}

		var steps []domain.StepRecord
		steps, cursor = run.StepsSince(cursor)
		printSteps(out, steps)

		// Nothing new after a wakeup means the log is sealed.
		if len(steps) == 0 {
			<-run.Done()
			return run.Turn()
		}
	}
}

// printSteps writes tool activity. Text deltas are left to printResponse.
func printSteps(w io.Writer, steps []domain.StepRecord) {
	for _, s := range steps {
		switch s.Kind {
		case domain.StepToolStart:
			_, _ = fmt.Fprintf(w, "[%d] %s %s\n", s.Display, s.ToolName, compactJSON(s.Input))
		case domain.StepToolEnd:
			if !s.HasOutput() {
				continue
			}
			_, _ = fmt.Fprintf(w, "[%d] %s -> %s\n", s.Display, s.ToolName, compactJSON(s.Output))
		default:
		}
	}
}

// printResponse writes the segmented response and any notices of a
// finalized turn.
func printResponse(w io.Writer, turn *domain.Turn) {
	for _, seg := range turn.Segments {
		switch seg.Kind {
		case domain.SegmentEmbed:
			_, _ = fmt.Fprintf(w, "[visualization] %s\n", seg.URL)
		default:
			_, _ = fmt.Fprintln(w, seg.Text)
		}
	}
	for _, warning := range turn.Warnings {
		_, _ = fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if turn.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", turn.Error)
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	s := buf.String()
	if len(s) > maxPrintedJSON {
		cut := maxPrintedJSON
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}
