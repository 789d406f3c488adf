package transport

import (
	"strings"

	"chatline/internal/models"
)

// Kind is the classification of an inbound socket payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindStatusUpdate
	KindMessage
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindStatusUpdate:
		return "status_update"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	}
	return "unknown"
}

type Frame struct {
	Kind Kind
	models.ServerFrame
}

// Classify decides how a server payload is handled. Payloads without a known
// type are error frames when they carry an error, chat messages when they
// carry text, and unknown otherwise.
func Classify(f models.ServerFrame) Kind {
	switch f.Type {
	case models.ServerFrameAck:
		return KindAck
	case models.ServerFrameStatusUpdate:
		return KindStatusUpdate
	case models.ServerFrameMessage, models.ServerFrameChatMessage:
		return KindMessage
	}
	if f.Error != "" {
		return KindError
	}
	if strings.TrimSpace(f.Message) != "" {
		return KindMessage
	}
	return KindUnknown
}
