package session

import (
	"errors"
	"fmt"

	"chatline/internal/models"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the forward moves allowed from each non-terminal status.
var transitions = map[models.ChatStatus][]models.ChatStatus{
	models.ChatStatusQueued: {
		models.ChatStatusActive,
		models.ChatStatusInactive,
		models.ChatStatusCompleted,
		models.ChatStatusCancelled,
	},
	models.ChatStatusActive:   {models.ChatStatusInactive, models.ChatStatusCompleted},
	models.ChatStatusInactive: {models.ChatStatusActive, models.ChatStatusCompleted},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to models.ChatStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine tracks the lifecycle status of one chat session.
type Machine struct {
	status models.ChatStatus
}

func NewMachine(initial models.ChatStatus) *Machine {
	return &Machine{status: initial}
}

func (m *Machine) Status() models.ChatStatus {
	return m.status
}

// Known reports whether an initial status has been discovered.
func (m *Machine) Known() bool {
	return m.status != ""
}

// Apply moves the machine to status. Repeating the current status is a
// no-op. Terminal statuses reject every move.
func (m *Machine) Apply(status models.ChatStatus) (bool, error) {
	switch {
	case !m.Known():
		m.status = status
		return true, nil
	case m.status == status:
		return false, nil
	case !CanTransition(m.status, status):
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, status)
	}
	m.status = status
	return true, nil
}
