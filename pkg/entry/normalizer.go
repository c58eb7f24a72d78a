package entry

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sequence is the process-wide entry sequence counter. Every normalizer
// shares it so sequences are strictly increasing across the whole process.
var sequence atomic.Int64

// Normalizer completes partially-filled entries at ingest time.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// EnsureFields fills every required field that the producer left unset.
// It is idempotent: fields that already carry a value are never touched,
// so applying it twice to a complete entry changes nothing.
func (n *Normalizer) EnsureFields(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = n.now()
	}
	if e.Sequence == 0 {
		e.Sequence = sequence.Add(1)
	}
	if e.FamilyHash == "" {
		e.FamilyHash = FamilyHash(e.Type, e.Content)
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
}
