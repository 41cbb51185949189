// Package uuid issues and inspects run IDs.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunIDs issues UUID v7 run IDs. v7 IDs carry their creation time, so a
// resumed run can still tell when it first started.
type RunIDs struct{}

// New creates a run ID source.
func New() *RunIDs {
	return &RunIDs{}
}

// NewID returns a fresh run ID.
func (RunIDs) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// StartedAt returns the creation time embedded in a v7 run ID, with
// millisecond precision. IDs of other versions report false.
func StartedAt(runID string) (time.Time, bool) {
	id, err := uuid.Parse(runID)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
