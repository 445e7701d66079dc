package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientStorage rejects writes while the disk guard is
	// tripped. Retryable once free space recovers.
	ErrInsufficientStorage = errors.New("insufficient storage: disk guard tripped")

	// ErrStaleRollup reports that a forced rollup tier has not been
	// refreshed far enough to cover the requested range. Callers should
	// fall back to a finer tier or raw.
	ErrStaleRollup = errors.New("rollup tier not yet refreshed for requested range")
)

// ItemError is one rejected sample inside an otherwise-accepted batch.
type ItemError struct {
	Index int    `json:"index"`
	Err   string `json:"error"`
}

// PartialWriteError reports per-item failures within a batch that was
// otherwise accepted. Non-fatal: the accepted samples are durable.
type PartialWriteError struct {
	Accepted int
	Items    []ItemError
}

func (e *PartialWriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d samples rejected", len(e.Items), e.Accepted+len(e.Items))
	if len(e.Items) > 0 {
		fmt.Fprintf(&b, ": [%d] %s", e.Items[0].Index, e.Items[0].Err)
	}
	return b.String()
}
