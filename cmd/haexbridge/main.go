// Command haexbridge runs the external bridge and CRDT synchronization
// core: it accepts WebSocket connections from untrusted extension
// processes, gates them behind the authorization ledger, and exposes
// the same ledger as a CLI command surface for scripting and
// diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haexspace/haexbridge/internal/bridgeapp"
	"github.com/haexspace/haexbridge/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "haexbridge",
		Short: "External bridge and CRDT synchronization core",
	}

	root.PersistentFlags().Int("port", config.DefaultPort, "bridge WebSocket listen port")
	root.PersistentFlags().String("bind-addr", "127.0.0.1", "bridge WebSocket bind address (not used: the bridge listener always binds 127.0.0.1)")
	root.PersistentFlags().String("status-addr", "127.0.0.1:19456", "status/health HTTP listen address, empty disables it")
	root.PersistentFlags().String("db-path", "", "path to the sqlite database file (required)")
	root.PersistentFlags().Int64("hlc-max-delta-millis", 5000, "maximum accepted clock skew for remote timestamps")
	root.PersistentFlags().String("hlc-node-kv-path", "", "path to the device identity key/value store, derived from db-path when empty")
	root.PersistentFlags().Int("router-timeout-millis", 30000, "default request/response correlation timeout")
	root.PersistentFlags().Int("journal-retention-days", 30, "days a DELETE journal entry is kept before cleanup (serve does not run cleanup)")
	root.PersistentFlags().String("log-level", "info", "logrus level: trace, debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "logrus formatter: text or json")
	root.PersistentFlags().String("config", "", "path to a config file, defaults to ~/.config/haexbridge/config.yaml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLedgerCmd())

	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	if level, parseErr := logrus.ParseLevel(cfg.Logging.Level); parseErr == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return cfg, logrus.NewEntry(log), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge listener and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			app, err := bridgeapp.New(cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Start(0); err != nil {
				return fmt.Errorf("failed to start bridge: %w", err)
			}
			log.WithField("port", app.GetPort()).Info("bridge listening")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return app.Stop(ctx)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the bridge is running and its pending authorization count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			app, err := bridgeapp.New(cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			status := app.Status()
			fmt.Printf("running: %v\nport: %d\ndefaultPort: %d\npendingAuthorizations: %d\n",
				status.Running, status.Port, app.GetDefaultPort(), status.PendingAuthorizations)
			return nil
		},
	}
}

func newLedgerCmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and manage extension authorizations",
	}

	ledgerCmd.AddCommand(
		newLedgerListAuthorizedCmd(),
		newLedgerListBlockedCmd(),
		newLedgerListSessionsCmd(),
		newLedgerPendingCmd(),
		newLedgerApproveCmd(),
		newLedgerDenyCmd(),
		newLedgerAllowCmd(),
		newLedgerBlockCmd(),
		newLedgerRevokeCmd(),
		newLedgerRevokeSessionCmd(),
		newLedgerUnblockCmd(),
		newLedgerIsBlockedCmd(),
	)

	return ledgerCmd
}

func withApp(cmd *cobra.Command, fn func(app *bridgeapp.App) error) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := bridgeapp.New(cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(app)
}

func newLedgerListAuthorizedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-authorized",
		Short: "List every client/extension pair with standing authorization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				clients, err := app.ListAuthorized(cmd.Context())
				if err != nil {
					return err
				}
				for _, c := range clients {
					fmt.Printf("%+v\n", c)
				}
				return nil
			})
		},
	}
}

func newLedgerListBlockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-blocked",
		Short: "List every blocked client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				clients, err := app.ListBlocked(cmd.Context())
				if err != nil {
					return err
				}
				for _, c := range clients {
					fmt.Printf("%+v\n", c)
				}
				return nil
			})
		},
	}
}

func newLedgerListSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-sessions",
		Short: "List session-only authorizations held for this process's lifetime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				for _, c := range app.ListSessionAuthorizations() {
					fmt.Printf("%+v\n", c)
				}
				return nil
			})
		},
	}
}

func newLedgerPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List outstanding approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				for _, p := range app.GetPendingAuthorizations() {
					fmt.Printf("%+v\n", p)
				}
				return nil
			})
		},
	}
}

func newLedgerApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <client-id> <client-name> <public-key> <extension-id>",
		Short: "Approve a pending authorization request",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			remember, _ := cmd.Flags().GetBool("remember")
			return withApp(cmd, func(app *bridgeapp.App) error {
				return app.ApprovePending(cmd.Context(), args[0], args[1], args[2], args[3], remember)
			})
		},
	}
	cmd.Flags().Bool("remember", true, "persist the authorization across restarts")
	return cmd
}

func newLedgerDenyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <client-id>",
		Short: "Deny every pending authorization request from a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				app.DenyPending(args[0])
				return nil
			})
		},
	}
}

func newLedgerAllowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow <client-id> <client-name> <public-key> <extension-id>",
		Short: "Grant standing authorization without a prior pending request",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			remember, _ := cmd.Flags().GetBool("remember")
			return withApp(cmd, func(app *bridgeapp.App) error {
				return app.Allow(cmd.Context(), args[0], args[1], args[2], args[3], remember)
			})
		},
	}
	cmd.Flags().Bool("remember", true, "persist the authorization across restarts")
	return cmd
}

func newLedgerBlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block <client-id> <client-name> <public-key>",
		Short: "Block a client across all extensions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			remember, _ := cmd.Flags().GetBool("remember")
			return withApp(cmd, func(app *bridgeapp.App) error {
				return app.Block(cmd.Context(), args[0], args[1], args[2], remember)
			})
		},
	}
	cmd.Flags().Bool("remember", true, "persist the block across restarts")
	return cmd
}

func newLedgerRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <client-id> <extension-id>",
		Short: "Remove a single client/extension authorization",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				return app.Revoke(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func newLedgerRevokeSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-session <client-id>",
		Short: "Drop every session-only grant for a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				app.RevokeSession(args[0])
				return nil
			})
		},
	}
}

func newLedgerUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <client-id>",
		Short: "Clear a standing block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				return app.Unblock(cmd.Context(), args[0])
			})
		},
	}
}

func newLedgerIsBlockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "is-blocked <client-id>",
		Short: "Report whether a client is currently blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bridgeapp.App) error {
				blocked, err := app.IsBlocked(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(blocked)
				return nil
			})
		},
	}
}
