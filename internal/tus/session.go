// Package tus implements the server side of the tus 1.0.0 resumable-upload
// protocol: the upload session registry, the protocol engine driving it, the
// lifecycle hook dispatcher, and the background cleanup scheduler. The engine
// is transport-neutral: it consumes structured operation requests and returns
// structured results, leaving header parsing and response construction to the
// HTTP adapter in internal/api.
package tus

import "time"

// State describes where a session is in its lifecycle. Transitions only move
// forward: Created -> InProgress -> Completed, with Terminated reachable from
// any non-terminal state.
type State string

const (
	StateCreated    State = "created"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateTerminated State = "terminated"
)

// Session is the authoritative record for one resumable upload. It is owned
// by the Registry; callers outside the engine only ever see snapshots.
type Session struct {
	// ID is the opaque identifier allocated at creation. Immutable.
	ID string

	// Offset is the number of bytes durably persisted so far. It never
	// decreases.
	Offset int64

	// Length is the total upload size in bytes. It is meaningless while
	// LengthDeferred is true.
	Length int64

	// LengthDeferred marks an upload created without a known final size
	// (creation-defer-length extension). The length is fixed later by a
	// PATCH request carrying Upload-Length.
	LengthDeferred bool

	// Metadata holds the key/value pairs from the Upload-Metadata creation
	// header. Set once at creation, immutable thereafter.
	Metadata map[string]string

	// ChecksumAlgorithm, when non-empty, obliges every chunk append to carry
	// a matching Upload-Checksum digest. It is negotiated at creation via
	// the "checksum" metadata key.
	ChecksumAlgorithm string

	CreatedAt time.Time

	// ExpiresAt is refreshed on every successful chunk append. A session
	// whose ExpiresAt has passed is removed by the cleanup sweep.
	ExpiresAt time.Time

	State State

	// IsPartial marks an upload created with "Upload-Concat: partial" whose
	// bytes will later become part of a final concatenated upload.
	IsPartial bool

	// IsFinal marks an upload assembled from completed partial uploads.
	// Final uploads never accept chunk appends.
	IsFinal bool

	// PartialIDs lists, in order, the partial uploads a final upload was
	// concatenated from.
	PartialIDs []string

	// StorageRef is the stable reference to the completed chunk resource,
	// set when the upload finishes.
	StorageRef string
}

// Complete reports whether the session's length is known and fully persisted.
func (s *Session) Complete() bool {
	return !s.LengthDeferred && s.Offset == s.Length
}

// Expired reports whether the session's expiry deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (s *Session) Clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.PartialIDs != nil {
		c.PartialIDs = append([]string(nil), s.PartialIDs...)
	}
	return &c
}
