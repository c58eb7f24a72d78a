package entry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalid marks an entry that fails validation. Invalid entries are
// rejected at ingest and never queued or retried.
var ErrInvalid = errors.New("invalid entry")

// Entry is one normalized unit of telemetry: an HTTP request, a DB query,
// an exception, a job run, a cache operation.
//
// Once an entry has passed through the Normalizer it is immutable; it is
// removed only by Delete, Clear or Prune on the storage side.
type Entry struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	FamilyHash string         `json:"family_hash"`
	Content    map[string]any `json:"content"`
	Tags       []string       `json:"tags"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
	BatchID    string         `json:"batch_id,omitempty"`
}

// Well-known entry types. Anything else routes to the default queue.
const (
	TypeRequest   = "request"
	TypeQuery     = "query"
	TypeException = "exception"
	TypeJob       = "job"
	TypeCache     = "cache"
)

// Validate checks the fields a producer must supply. The Normalizer fills
// everything else.
func (e *Entry) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalid)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalid)
	}
	return nil
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag, preserving insertion order and skipping duplicates.
func (e *Entry) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Tags = append(e.Tags, tag)
	}
}

// SerializedSize returns the JSON-encoded size of the entry in bytes.
// Used by the router to bypass batching for oversized entries.
func (e *Entry) SerializedSize() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}

// familyHashPrefix is how much of the serialized content feeds the hash.
const familyHashPrefix = 100

// FamilyHash derives the grouping key for an entry from its type and the
// first 100 bytes of its serialized content. The rolling hash (h = h*31 + c,
// truncated to 32 bits, absolute value, hex) matches what producers in other
// runtimes compute, so the exact algorithm is load-bearing: grouping keys
// must agree across versions. It is best-effort only, not cryptographic.
func FamilyHash(typ string, content map[string]any) string {
	serialized, err := json.Marshal(content)
	if err != nil {
		serialized = nil
	}
	if len(serialized) > familyHashPrefix {
		serialized = serialized[:familyHashPrefix]
	}

	var h int32
	for _, c := range []byte(typ) {
		h = h*31 + int32(c)
	}
	for _, c := range serialized {
		h = h*31 + int32(c)
	}
	if h < 0 {
		h = -h
	}
	return strconv.FormatUint(uint64(uint32(h)), 16)
}
