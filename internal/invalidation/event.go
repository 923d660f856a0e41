// Package invalidation defines the cache purge events emitted when upstream
// imagery for an index is reprocessed.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event asks the service to drop cached tile templates. Reprocessed source
// imagery changes pixel values without changing any cache key, so an
// explicit purge is the only way to force regeneration.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Index   string    `json:"index"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

const OpPurge = "purge"

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if e.Op != OpPurge {
		return fmt.Errorf("op must be %q", OpPurge)
	}
	if strings.TrimSpace(e.Index) == "" {
		return fmt.Errorf("index is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}
