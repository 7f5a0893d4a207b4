package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/auth"
	"github.com/gosuda/tako/internal/config"
	"github.com/gosuda/tako/internal/server/middleware"
)

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <thread>",
		Short: "Delete a thread's archived turns and checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			d, err := openDeps(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := agent.NewOrchestrator(d.store, d.turns, nil).Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		threads []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with TAKO_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.AuthEnabled() {
				return errors.New("TAKO_JWT_SECRET is not set")
			}
			if ttl == 0 {
				ttl = cfg.JWT.TokenTTL
			}

			tok, err := auth.IssueToken(cfg.JWT.Secret, subject, role, threads, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringVar(&role, "role", middleware.RoleMember, "Role: admin, member or viewer")
	cmd.Flags().StringSliceVar(&threads, "thread", nil, "Restrict the token to these threads (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to TAKO_JWT_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
