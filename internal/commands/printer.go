package commands

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"chatline/internal/models"
	"chatline/internal/session"
	"chatline/internal/transport"
)

// printer writes the parts of a snapshot the terminal has not seen yet.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	seen      map[string]models.DeliveryStatus
	status    models.ChatStatus
	transport transport.State
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]models.DeliveryStatus)}
}

// render reports whether anything worth caching changed.
func (p *printer) render(s session.Snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	if s.Status != "" && s.Status != p.status {
		fmt.Fprintf(p.out, "-- chat %d is %s --\n", s.ChatID, s.Status)
		p.status = s.Status
		changed = true
	}
	if s.Transport != p.transport {
		fmt.Fprintf(p.out, "-- connection %s --\n", s.Transport)
		p.transport = s.Transport
	}

	for _, m := range s.Messages {
		key := messageKey(m)
		prev, ok := p.seen[key]
		switch {
		case !ok:
			fmt.Fprintln(p.out, formatMessage(m))
			changed = true
		case prev != m.Status && m.Status == models.DeliveryFailed:
			fmt.Fprintf(p.out, "!! not delivered: %s\n", m.Text)
			changed = true
		case prev != m.Status:
			changed = true
		}
		p.seen[key] = m.Status
	}
	return changed
}

func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "!! "+format+"\n", args...)
}

func messageKey(m models.Message) string {
	switch {
	case m.ClientMessageID != "":
		return "c:" + m.ClientMessageID
	case m.HasServerID():
		return "s:" + strconv.FormatInt(m.ServerID, 10)
	}
	return fmt.Sprintf("t:%d:%s:%s", m.Timestamp.UnixNano(), m.Sender, m.Text)
}

func formatMessage(m models.Message) string {
	ts := m.Timestamp.Local().Format("15:04:05")
	if m.Sender == models.SenderSystem {
		return fmt.Sprintf("[%s] * %s", ts, m.Text)
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, m.Sender, m.Text)
	switch m.Status {
	case models.DeliverySending:
		line += " (sending)"
	case models.DeliveryFailed:
		line += " (failed)"
	}
	return line
}
