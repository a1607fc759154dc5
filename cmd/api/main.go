package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"skillbarter/auth"
	"skillbarter/config"
	"skillbarter/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "skillbarter",
		Short:         "Skill-bartering marketplace engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./skillbarter.yaml or /etc/skillbarter/skillbarter.yaml)")

	load := func() (config.Config, error) {
		v, err := config.New(cfgFile)
		if err != nil {
			return config.Config{}, err
		}
		return config.Load(v)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, the sweeper and the outbox dispatcher",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				app, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer app.Close()
				return app.Serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire lapsed proposals and sweep dispute deadlines once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				app, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer app.Close()
				res, err := app.sweeper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				app.log.Info("sweep finished", "proposals_expired", res.ProposalsExpired, "disputes_swept", res.DisputesSwept)
				return nil
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the embedded schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				app, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer app.Close()
				if err := migrations.Apply(cmd.Context(), app.pool); err != nil {
					return err
				}
				app.log.Info("migrations applied")
				return nil
			},
		},
		newTokenCmd(load),
	)
	return root
}

func newTokenCmd(load func() (config.Config, error)) *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tokens := auth.NewService(nil, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			token, err := tokens.IssueToken(userID, auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleMember), "member or moderator")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
