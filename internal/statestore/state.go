package statestore

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidState is returned when a ProcessState fails validation.
	ErrInvalidState = errors.New("invalid process state")
	// ErrNotFound is returned when a checkpoint or metadata record is absent.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
	// ErrCorruptRecord wraps decode failures of individual records.
	ErrCorruptRecord = errors.New("corrupt record")
)

// ProcessState is the persisted classification of one observed process.
type ProcessState struct {
	PID             int                `json:"pid"`
	Name            string             `json:"name"`
	ImportanceScore float64            `json:"importance_score"`
	EWMAValues      map[string]float64 `json:"ewma_values,omitempty"`
	RingAssignment  int                `json:"ring_assignment"`
	LastUpdated     time.Time          `json:"last_updated"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// Validate reports whether the state can be stored.
func (s ProcessState) Validate() error {
	if s.PID <= 0 {
		return fmt.Errorf("%w: pid must be > 0, got %d", ErrInvalidState, s.PID)
	}
	if math.IsNaN(s.ImportanceScore) || s.ImportanceScore < 0 || s.ImportanceScore > 1 {
		return fmt.Errorf("%w: importance_score must be in [0,1], got %v", ErrInvalidState, s.ImportanceScore)
	}
	for k, v := range s.EWMAValues {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: ewma %q is not finite", ErrInvalidState, k)
		}
	}
	return nil
}
