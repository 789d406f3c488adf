package commands

import (
	"fmt"
	"html/template"
	"io"
	"os"

	"chatline/internal/content"
	"chatline/internal/models"
	"chatline/internal/storage"

	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var chatID int64

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show cached chats",
		Long:  "Lists the chats cached by earlier sessions, or prints the timeline of one of them with --chat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			if chatID == 0 {
				return printSessions(out, store)
			}
			return printTimeline(out, store, chatID)
		},
	}

	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		chatID int64
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a cached chat as HTML",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			chat, err := store.Session(chatID)
			if err != nil {
				return err
			}
			msgs, err := store.ListMessages(chatID)
			if err != nil {
				return err
			}

			if out == "-" {
				return renderTranscript(cmd.OutOrStdout(), chat, msgs)
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if err := renderTranscript(f, chat, msgs); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d messages to %s\n", len(msgs), out)
			return nil
		},
	}

	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}

func openStore(opts *options) (*storage.BboltStorage, error) {
	cfg, err := opts.load(false)
	if err != nil {
		return nil, err
	}
	return storage.NewBboltStorage(cfg.DBFile)
}

func printSessions(w io.Writer, store *storage.BboltStorage) error {
	chats, err := store.ListSessions()
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Fprintln(w, "no cached chats")
		return nil
	}
	for _, c := range chats {
		fmt.Fprintf(w, "%-8d %-10s %s\n", c.ID, c.Status, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func printTimeline(w io.Writer, store *storage.BboltStorage, chatID int64) error {
	chat, err := store.Session(chatID)
	if err != nil {
		return err
	}
	msgs, err := store.ListMessages(chatID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "chat %d (%s)\n", chat.ID, chat.Status)
	for _, m := range msgs {
		fmt.Fprintln(w, formatMessage(m))
	}
	return nil
}

var transcriptTmpl = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Chat {{.ID}}</title></head>
<body>
<h1>Chat {{.ID}} ({{.Status}})</h1>
{{range .Messages}}<div class="message {{.Sender}}">
<p class="meta">{{.Time}} {{.Sender}}</p>
{{.Body}}
</div>
{{end}}</body>
</html>
`))

type transcriptMessage struct {
	Sender string
	Time   string
	Body   template.HTML
}

func renderTranscript(w io.Writer, chat models.ChatSession, msgs []models.Message) error {
	data := struct {
		ID       int64
		Status   models.ChatStatus
		Messages []transcriptMessage
	}{ID: chat.ID, Status: chat.Status}

	for _, m := range msgs {
		body, err := content.RenderHTML(m.Text)
		if err != nil {
			return err
		}
		data.Messages = append(data.Messages, transcriptMessage{
			Sender: string(m.Sender),
			Time:   m.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			// sanitized by RenderHTML
			Body: template.HTML(body),
		})
	}
	return transcriptTmpl.Execute(w, data)
}
