package commands

import (
	"context"
	"time"

	"chatline/internal/fakebackend"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeFakeCmd(opts *options) *cobra.Command {
	var apiAddr, adminAddr string

	cmd := &cobra.Command{
		Use:   "serve-fake",
		Short: "Run an in-memory chat backend for local testing",
		Long: "Serves the chat REST and WebSocket API from memory, seeded with a few chats and the tokens " +
			fakebackend.UserToken + " and " + fakebackend.CounsellorToken + ". " +
			"A separate admin server can change chat status, drop sockets and toggle acks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(false)
			if err != nil {
				return err
			}
			log := opts.logger(cmd, cfg)
			if apiAddr == "" {
				apiAddr = cfg.FakeAddr
			}
			if adminAddr == "" {
				adminAddr = cfg.FakeAdminAddr
			}

			ctx := cmd.Context()
			hub := fakebackend.NewHub(ctx, log)
			fakebackend.Seed(hub)
			srv := fakebackend.NewServer(hub)

			apiServer := fakebackend.NewAPIServer(srv, apiAddr)
			adminServer := fakebackend.NewAdminServer(srv, adminAddr)

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(adminServer.Start)
			g.Go(apiServer.Start)

			g.Go(func() error {
				<-gCtx.Done()
				log.Info("shutting down servers")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				if err := adminServer.Shutdown(shutdownCtx); err != nil {
					log.Error("admin server shutdown error", "error", err)
				}
				if err := apiServer.Shutdown(shutdownCtx); err != nil {
					log.Error("api server shutdown error", "error", err)
				}
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&apiAddr, "addr", "", "API address (default from CHATLINE_FAKE_ADDR)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin address (default from CHATLINE_FAKE_ADMIN_ADDR)")
	return cmd
}
