package session

import (
	"errors"
	"fmt"

	"github.com/gregtusar/pairvolume/pkg/models"
)

// ErrSessionActive is returned when a session is requested while another one
// is still in flight.
var ErrSessionActive = errors.New("a session is already active")

// SessionError reports a session that ended in the failed state. State is the
// phase the session was in when it failed.
type SessionError struct {
	SessionID string
	Symbol    string
	State     models.SessionState
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s) failed while %s: %v", e.SessionID, e.Symbol, e.State, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// SchedulerError is a failure to plan a daily cycle. It aborts that cycle.
type SchedulerError struct {
	Reason string
}

func (e *SchedulerError) Error() string {
	return "scheduler: " + e.Reason
}
