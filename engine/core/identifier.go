package core

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionID tags one recording-to-submission cycle so that log lines from the
// recorder, the planner and the scheduler can be correlated.
type SessionID string

func NewSessionID(frameNumber uint64) SessionID {
	return SessionID(fmt.Sprintf("%d-%s", frameNumber, uuid.New().String()[:8]))
}

func (s SessionID) String() string {
	return string(s)
}
