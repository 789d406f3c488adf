package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatline/internal/api"
	"chatline/internal/config"
	"chatline/internal/metrics"
	"chatline/internal/models"
	"chatline/internal/session"
	"chatline/internal/storage"
	"chatline/internal/transport"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

const chatHelp = `Type a message and press enter to send it.
Commands: /accept, /end (counsellors), /reload, /quit.`

func newChatCmd(opts *options) *cobra.Command {
	var chatID int64

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a chat and talk in it",
		Long:  "Connects to a chat, prints its timeline as it changes and sends every line read from stdin.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, func(ctx context.Context, c *session.Client) error {
				return c.Connect(ctx, chatID)
			})
		},
	}

	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}

func newStartCmd(opts *options) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a new chat and wait for a counsellor",
		Long:  "Creates a chat with an optional first message and stays in it.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, func(ctx context.Context, c *session.Client) error {
				id, err := c.Start(ctx, message)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started chat %d\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "first message")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func newSessionClient(cfg *config.Config, log *slog.Logger, observer session.Observer) *session.Client {
	sc := session.Config{
		Role: cfg.Role,
		API: api.New(api.Config{
			BaseURL: cfg.APIURL,
			Token:   cfg.Token,
			RPS:     cfg.APIRPS,
		}),
		Dialer:           transport.NewWebSocketDialer(cfg.WSURL, cfg.Token),
		PollInterval:     cfg.PollInterval,
		AckTimeout:       cfg.AckTimeout,
		ReconnectBackoff: cfg.ReconnectBackoff,
		Logger:           log,
	}
	if observer != nil {
		sc.Observer = observer
	}
	return session.New(sc)
}

// runSession connects a client, then renders snapshots and reads input
// until stdin closes, /quit is typed or the context is cancelled.
func runSession(cmd *cobra.Command, opts *options, connect func(context.Context, *session.Client) error) error {
	ctx := cmd.Context()
	cfg, err := opts.load(true)
	if err != nil {
		return err
	}
	log := opts.logger(cmd, cfg)

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var (
		observer session.Observer
		metricsSrv *http.Server
	)
	if cfg.MetricsAddr != "" {
		m := metrics.New()
		observer = m
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	client := newSessionClient(cfg, log, observer)
	defer client.Disconnect()

	p := newPrinter(cmd.OutOrStdout())
	if err := connect(ctx, client); err != nil {
		if errors.Is(err, session.ErrInitialLoad) {
			p.notice("could not load the chat, type /reload to retry")
		} else {
			return err
		}
	}

	snapshots, unsubscribe := client.Subscribe()
	defer unsubscribe()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case s, ok := <-snapshots:
				if !ok {
					return nil
				}
				if p.render(s) {
					cacheSnapshot(store, s, log)
				}
			}
		}
	})

	lines := readLines(gCtx, cmd.InOrStdin())
	g.Go(func() error {
		return inputLoop(gCtx, client, lines, p)
	})

	if metricsSrv != nil {
		g.Go(func() error {
			log.Info("metrics server started", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, errQuit) {
		err = nil
	}

	final := client.CurrentState()
	p.render(final)
	cacheSnapshot(store, final, log)
	return err
}

func inputLoop(ctx context.Context, c *session.Client, lines <-chan string, p *printer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := handleLine(ctx, c, strings.TrimSpace(line), p); err != nil {
				return err
			}
		}
	}
}

func handleLine(ctx context.Context, c *session.Client, line string, p *printer) error {
	var err error
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/accept":
		err = c.Accept(ctx)
	case "/end":
		err = c.EndSession(ctx)
	case "/reload":
		err = c.Reload(ctx)
	default:
		_, err = c.Send(line)
	}
	if err != nil {
		p.notice("%v", err)
	}
	return nil
}

// readLines feeds stdin lines to a channel that closes on EOF.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func cacheSnapshot(store *storage.BboltStorage, s session.Snapshot, log *slog.Logger) {
	if s.ChatID == 0 || s.Status == "" {
		return
	}
	chat := models.ChatSession{ID: s.ChatID, Status: s.Status, UpdatedAt: time.Now()}
	if err := store.SaveSnapshot(chat, s.Messages); err != nil {
		log.Warn("failed to cache chat", "chat_id", s.ChatID, "error", err)
	}
}
