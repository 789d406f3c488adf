// Package commands implements the chatline command line.
package commands

import (
	"fmt"
	"log/slog"

	"chatline/internal/config"
	"chatline/internal/logging"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type options struct {
	envFile     string
	logLevel    string
	metricsAddr string
}

// load reads the configuration and applies flag overrides.
func (o *options) load(needsToken bool) (*config.Config, error) {
	cfg, err := config.Load(o.envFile, needsToken)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	return cfg, nil
}

func (o *options) logger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.New(cfg.LogLevel, cmd.ErrOrStderr())
}

func NewRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "chatline",
		Short:         "Real-time chat session client",
		Long:          "chatline connects users and counsellors to support chats over WebSocket, falling back to REST polling.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "optional env file to load")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newStartCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newServeFakeCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatline %s (commit: %s)\n", Version, Commit)
		},
	}
}
