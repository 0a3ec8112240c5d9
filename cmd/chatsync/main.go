package main

import (
	"fmt"
	"os"

	"chatsync/internal/config"
	"chatsync/internal/session"

	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadClient()

	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Terminal chat client with offline-tolerant sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "relay base url")
	root.AddCommand(authCommand("login", "Sign in and print a token", &cfg, session.Login))
	root.AddCommand(authCommand("register", "Create an account and print a token", &cfg, session.Register))
	root.AddCommand(chatCommand(&cfg))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatsync:", err)
		os.Exit(1)
	}
}

func authCommand(use, short string, cfg *config.Client, fn func(baseURL, username, password string) (session.Session, error)) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("--user and --password are required")
			}
			sess, err := fn(cfg.ServerURL, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.Token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}
