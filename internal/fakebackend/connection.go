package fakebackend

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatline/internal/content"
	"chatline/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(c *Connection)
	Leave(c *Connection)
	Post(chatID int64, role models.Role, text, clientMessageID string) (models.RESTMessage, bool, error)
	Settings() Settings
}

// Connection serves one chat socket.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	chatID     int64
	role       models.Role
	fromClient chan models.ClientFrame
	fromServer chan models.ServerFrame
	errorCh    chan error
	closeOnce  sync.Once
}

func NewConnection(hub messageHub, ws wsConnection, chatID int64, role models.Role) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		chatID:     chatID,
		role:       role,
		fromClient: make(chan models.ClientFrame),
		fromServer: make(chan models.ServerFrame, 100),
		errorCh:    make(chan error, 2),
	}
}

// Deliver queues a frame for the client. Frames are dropped when the client
// is too slow to keep up.
func (c *Connection) Deliver(f models.ServerFrame) {
	select {
	case c.fromServer <- f:
	default:
	}
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() { c.ws.Close() })
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.hub.Join(c)
	defer func() {
		c.hub.Leave(c)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientFrame
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientFrame(msg); err != nil {
				return err
			}
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientFrame(msg models.ClientFrame) error {
	stored, dup, err := c.hub.Post(c.chatID, c.role, msg.Message, msg.ClientMessageID)
	if err != nil {
		return c.ws.WriteJSON(errorFrame(err, msg.ClientMessageID))
	}
	if !c.hub.Settings().Acks {
		return nil
	}

	id := stored.ID
	status := "received"
	if dup {
		status = "duplicate"
	}
	return c.ws.WriteJSON(models.ServerFrame{
		Type:            models.ServerFrameAck,
		ClientMessageID: msg.ClientMessageID,
		MessageID:       &id,
		Status:          status,
		Timestamp:       stored.CreatedAt.Format(time.RFC3339Nano),
	})
}

func errorFrame(err error, clientMessageID string) models.ServerFrame {
	f := models.ServerFrame{Error: err.Error(), ClientMessageID: clientMessageID}
	switch {
	case errors.Is(err, ErrChatClosed):
		f.ChatExpired = true
	case errors.Is(err, content.ErrMessageTooLong):
		f.Error = "Message too long. Maximum 5000 characters."
	}
	return f
}
