package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"chatsync/internal/app"
	"chatsync/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadServer()

	root := &cobra.Command{
		Use:           "chatsync-server",
		Short:         "Presence and typing relay for chatsync clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := app.NewLogger(cfg.LogLevel, cfg.LogPretty, os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg, log)
		},
	}
	root.Flags().StringVar(&cfg.Port, "port", cfg.Port, "listen port")
	root.Flags().BoolVar(&cfg.DemoBot, "demo-bot", cfg.DemoBot, "run the assistant bot participant")
	root.Flags().BoolVar(&cfg.LogPretty, "pretty", cfg.LogPretty, "human readable logs")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log := app.NewLogger("error", true, os.Stderr)
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
}
