package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatline/internal/models"
	"chatline/internal/outbox"
	"chatline/internal/timeline"
	"chatline/internal/transport"
)

// Markers inserted into the timeline on lifecycle transitions.
const (
	MarkerStarted   = "Session started"
	MarkerEnded     = "Session ended"
	MarkerCancelled = "Chat cancelled"
)

var errClosed = errors.New("session closed")

// instance is one connected chat. Everything below the events channel is
// owned by the run goroutine.
type instance struct {
	client *Client
	chatID int64
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	machine *Machine
	tl      *timeline.Reconciler
	tracker *outbox.Tracker
	tm      *transport.Manager

	loadErr error
	started bool
	sentAt  map[string]time.Time
	dirty   bool
}

func newInstance(c *Client, chatID int64) *instance {
	ctx, cancel := context.WithCancel(context.Background())
	i := &instance{
		client:  c,
		chatID:  chatID,
		log:     c.log.With("chat_id", chatID),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan func(), 64),
		done:    make(chan struct{}),
		machine: NewMachine(""),
		tl:      timeline.New(),
		sentAt:  make(map[string]time.Time),
	}
	i.tm = transport.New(ctx, transport.Config{
		ChatID:           chatID,
		Dialer:           c.cfg.Dialer,
		Poller:           c.cfg.API,
		Handler:          i,
		Dispatch:         i.dispatch,
		PollInterval:     c.cfg.PollInterval,
		ReconnectBackoff: c.cfg.ReconnectBackoff,
		Logger:           c.log,
	})
	i.tracker = outbox.New(ctx, outbox.Config{
		ChatID:    chatID,
		Sender:    c.cfg.Role.Sender(),
		Timeout:   c.cfg.AckTimeout,
		Timeline:  i.tl,
		Transport: i.tm,
		REST:      c.cfg.API,
		Dispatch:  i.dispatch,
		OnResolve: i.resolved,
		Logger:    c.log,
	})
	go i.run()
	return i
}

func (i *instance) run() {
	defer close(i.done)
	for {
		select {
		case fn := <-i.events:
			fn()
			i.flush()
		case <-i.ctx.Done():
			i.tm.Close()
			i.tracker.Close()
			i.publish()
			return
		}
	}
}

// dispatch posts fn to the loop. Posts after shutdown are dropped.
func (i *instance) dispatch(fn func()) {
	select {
	case i.events <- fn:
	case <-i.ctx.Done():
	}
}

// do runs fn on the loop and waits for it to finish.
func (i *instance) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case i.events <- func() { fn(); i.flush(); close(ran) }:
	case <-i.ctx.Done():
		return errClosed
	}
	select {
	case <-ran:
		return nil
	case <-i.done:
		select {
		case <-ran:
			return nil
		default:
			return errClosed
		}
	}
}

func (i *instance) stop() {
	i.cancel()
	<-i.done
}

func (i *instance) snapshot() Snapshot {
	return Snapshot{
		ChatID:    i.chatID,
		Role:      i.client.cfg.Role,
		Status:    i.machine.Status(),
		Transport: i.tm.State(),
		Messages:  i.tl.Messages(),
		Pending:   i.tracker.Pending(),
		LoadErr:   i.loadErr,
	}
}

func (i *instance) publish() {
	i.client.publish(i, i.snapshot())
}

// flush publishes a snapshot if anything changed since the last one.
func (i *instance) flush() {
	if i.dirty {
		i.dirty = false
		i.publish()
	}
}

func (i *instance) changed() {
	i.dirty = true
}

// loaded applies the result of an initial load or reload.
func (i *instance) loaded(chat models.ChatSession, rows []models.RESTMessage, err error) {
	defer i.changed()
	if err != nil {
		i.loadErr = err
		return
	}
	status, ok := models.ParseChatStatus(string(chat.Status))
	if !ok {
		i.loadErr = fmt.Errorf("chat %d has unrecognized status %q", i.chatID, chat.Status)
		return
	}
	i.loadErr = nil

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.ToMessage())
	}
	res := i.tl.Replace(msgs)
	i.observeIngest(timeline.SourceInitialLoad, res)
	i.tracker.Echoed(res.Resolved...)

	if !i.machine.Known() {
		i.machine.Apply(status)
		i.client.cfg.Observer.StatusChanged(status)
	} else {
		i.applyStatus(string(status))
	}
	i.startTransport()
}

func (i *instance) startTransport() {
	if i.started {
		return
	}
	status := i.machine.Status()
	switch {
	case status.Terminal():
		i.log.Info("chat is closed, not opening a transport", "status", status)
		return
	case status.Open():
		i.tm.Establish()
	default:
		i.tm.Poll()
	}
	i.started = true
}

// applyStatus moves the state machine and performs the transport side
// effects of the move.
func (i *instance) applyStatus(raw string) {
	status, ok := models.ParseChatStatus(raw)
	if !ok {
		i.log.Warn("ignoring unrecognized chat status", "status", raw)
		return
	}
	from := i.machine.Status()
	changed, err := i.machine.Apply(status)
	if err != nil {
		i.log.Warn("ignoring status update", "error", err)
		return
	}
	if !changed {
		return
	}
	i.log.Info("chat status changed", "from", from, "to", status)
	i.client.cfg.Observer.StatusChanged(status)
	i.changed()

	switch status {
	case models.ChatStatusActive, models.ChatStatusInactive:
		if from == models.ChatStatusQueued {
			i.mark(MarkerStarted)
			i.started = true
			i.tm.Establish()
		}
	case models.ChatStatusCompleted:
		i.mark(MarkerEnded)
		i.tm.Close()
	case models.ChatStatusCancelled:
		i.mark(MarkerCancelled)
		i.tm.Close()
	}
}

func (i *instance) mark(text string) {
	i.tl.Ingest([]models.Message{{
		Text:      text,
		Sender:    models.SenderSystem,
		Timestamp: i.client.now(),
		Status:    models.DeliverySent,
	}}, timeline.SourceLocalEcho)
}

func (i *instance) send(text string) (string, error) {
	status := i.machine.Status()
	switch {
	case !i.machine.Known():
		return "", ErrInitialLoad
	case status.Terminal():
		return "", ErrEnded
	}
	id, err := i.tracker.Send(text)
	if err != nil {
		return "", err
	}
	i.sentAt[id] = i.client.now()
	i.changed()
	return id, nil
}

func (i *instance) resolved(id string, status models.DeliveryStatus) {
	latency := time.Duration(0)
	if at, ok := i.sentAt[id]; ok {
		latency = i.client.now().Sub(at)
		delete(i.sentAt, id)
	}
	i.client.cfg.Observer.SendResolved(status, latency)
	i.changed()
}

func (i *instance) observeIngest(src timeline.Source, res timeline.Result) {
	if res.Added > 0 {
		i.client.cfg.Observer.MessagesIngested(src, res.Added)
	}
}

// HandleFrame implements transport.Handler.
func (i *instance) HandleFrame(f transport.Frame) {
	switch f.Kind {
	case transport.KindAck:
		if f.Status == "duplicate" {
			i.log.Debug("server reported duplicate send", "client_message_id", f.ClientMessageID)
		}
		i.tracker.Ack(f.ClientMessageID, f.ServerID())
	case transport.KindStatusUpdate:
		i.applyStatus(f.NewStatus)
	case transport.KindMessage:
		res := i.tl.Ingest([]models.Message{f.ToMessage(i.client.now())}, timeline.SourceWebSocket)
		i.observeIngest(timeline.SourceWebSocket, res)
		i.tracker.Echoed(res.Resolved...)
		if res.Changed() {
			i.changed()
		}
	case transport.KindError:
		i.log.Warn("server reported an error", "error", f.Error, "client_message_id", f.ClientMessageID)
		if f.ClientMessageID != "" {
			i.tracker.Reject(f.ClientMessageID)
		}
		if f.ChatExpired {
			i.tm.PollNow()
		}
	}
}

// HandlePoll implements transport.Handler.
func (i *instance) HandlePoll(r transport.PollResult) {
	if r.Err != nil {
		i.log.Debug("poll failed", "error", r.Err)
	}
	if len(r.Messages) > 0 {
		res := i.tl.Ingest(r.Messages, timeline.SourcePoll)
		i.observeIngest(timeline.SourcePoll, res)
		i.tracker.Echoed(res.Resolved...)
		if res.Changed() {
			i.changed()
		}
	}
	if r.Session != nil {
		i.applyStatus(string(r.Session.Status))
	}
}

// HandleState implements transport.Handler.
func (i *instance) HandleState(s transport.State) {
	i.client.cfg.Observer.TransportState(s)
	i.changed()
}

// CanConnect implements transport.Handler.
func (i *instance) CanConnect() bool {
	return i.machine.Status().Open()
}
