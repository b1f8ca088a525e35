package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcproute/internal/app"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logger     *zap.Logger
	sync       func()
}

func main() {
	opts := &rootOptions{}
	root := newRootCmd(opts)
	err := root.Execute()
	if opts.sync != nil {
		opts.sync()
	}
	if err == nil {
		return
	}
	var exitErr exitError
	if !errors.As(err, &exitErr) || !exitErr.silent {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCodeFor(err))
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	opts.configPath = "mcproute.yaml"
	opts.logLevel = "info"

	root := &cobra.Command{
		Use:           "mcproute",
		Short:         "MCP gateway that selects or synthesizes backend tools per request",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvDefaults(cmd.Flags()); err != nil {
				return usageError(err.Error())
			}
			logging, err := app.NewLogging(app.LoggingConfig{Level: opts.logLevel})
			if err != nil {
				return usageError(err.Error())
			}
			opts.logger = logging.Logger
			opts.sync = logging.Sync
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to gateway config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")

	serve := newServeCmd(opts)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		newValidateCmd(opts),
		newImportCmd(opts),
		newHistoryCmd(opts),
	)

	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application := app.New(opts.logger)
			return application.Serve(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				NoWatch:    noWatch,
			})
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload when the config file changes")

	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate gateway configuration without starting servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			application := app.New(opts.logger)
			return application.ValidateConfig(cmd.Context(), app.ValidateConfig{
				ConfigPath: opts.configPath,
			})
		},
	}

	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var (
		from string
		path string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Print another MCP client's servers as a config servers block",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				return usageError("--from is required (claude, codex or gemini)")
			}
			application := app.New(opts.logger)
			result, err := application.ImportServers(cmd.Context(), app.ImportConfig{Source: from, Path: path})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(result.YAML)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source client: claude, codex or gemini")
	cmd.Flags().StringVar(&path, "file", "", "read this file instead of the client's default config")

	return cmd
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
