// cmd/bookshare/main.go

// Command bookshare runs the book-lending API and its maintenance tasks.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"bookshare/internal/config"
	"bookshare/internal/database"
	"bookshare/internal/httpapi"
	"bookshare/internal/telemetry"
	"bookshare/internal/users"
	"bookshare/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bookshare: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "bookshare",
		Short:         "Peer-to-peer book lending API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root.PersistentFlags(), g)

	root.AddCommand(newServeCmd(g), newMigrateCmd(g), newUserCmd(g), newChaosCmd(g))
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, g *globals) {
	fs.StringVar(&g.configPath, "config", "", "YAML config file (default $BOOKSHARE_CONFIG)")
}

// setup loads configuration, installs the default logger and opens the
// database.
func (g *globals) setup(ctx context.Context) (*config.Config, *slog.Logger, *database.Gateway, error) {
	cfg, err := config.Load(g.configPath, os.Getenv)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)

	gw, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, gw, nil
}

func newServeCmd(g *globals) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, gw, err := g.setup(ctx)
			if err != nil {
				return err
			}
			defer gw.Close()

			shutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Telemetry, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Warn("telemetry shutdown", "error", err)
				}
			}()

			if migrate {
				if err := gw.Migrate(ctx); err != nil {
					return err
				}
			}

			srv, err := httpapi.New(cfg, gw, logger)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply the schema before serving")
	return cmd
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, gw, err := g.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close()
			if err := gw.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema up to date", "driver", gw.DriverName())
			return nil
		},
	}
}

func newUserCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage accounts"}

	var reg users.Registration
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an account, prompting for its password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, gw, err := g.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close()

			reg.Password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := web.Validate(&reg); err != nil {
				return err
			}
			u, err := users.NewService(gw, cfg.Auth, logger).Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s)\n", u.ID, u.Username)
			return nil
		},
	}
	add.Flags().StringVar(&reg.Username, "username", "", "login name")
	add.Flags().StringVar(&reg.Email, "email", "", "contact address")
	add.Flags().StringVar(&reg.FullName, "name", "", "full name")
	_ = add.MarkFlagRequired("username")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

// readPassword reads without echo from a terminal, or a single line from
// anything else.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
