package framestore

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Envelope is one published frame, or an ingest error, for a single key.
// Envelopes are immutable after publication: writers always allocate a new
// one and readers must not modify Pixels.
type Envelope struct {
	Width       int
	Height      int
	FrameIndex  uint64
	ProducedAt  time.Time
	SourceFPS   float64 // from stream metadata, 0 when unknown
	MeasuredFPS float64 // 1/delta between the last two frames, 0 for the first
	Pixels      []byte  // BGR24, len == Width*Height*3
	Err         string  // non-empty marks an ingest error, Pixels is nil
}

// IsError reports whether the envelope describes an ingest failure rather
// than a frame.
func (e *Envelope) IsError() bool {
	return e.Err != ""
}

// Valid reports whether the envelope carries a well-formed frame.
func (e *Envelope) Valid() bool {
	return e.Err == "" && e.Width > 0 && e.Height > 0 && len(e.Pixels) == e.Width*e.Height*3
}

// Store keeps exactly the latest envelope per key. Keys are camera IDs for
// raw ingest frames and agent IDs for annotated frames. Writes replace the
// previous value atomically; readers are never blocked and are expected to
// dedupe on FrameIndex.
type Store struct {
	entries *xsync.MapOf[string, *Envelope]
}

func NewStore() *Store {
	return &Store{entries: xsync.NewMapOf[string, *Envelope]()}
}

// Put publishes env as the latest envelope for key, replacing whatever was
// there before.
func (s *Store) Put(key string, env *Envelope) {
	s.entries.Store(key, env)
}

// PutError publishes an error envelope for key. It stays visible until the
// next successful frame.
func (s *Store) PutError(key, msg string) {
	s.entries.Store(key, &Envelope{ProducedAt: time.Now(), Err: msg})
}

// Get returns the latest envelope for key, if any.
func (s *Store) Get(key string) (*Envelope, bool) {
	return s.entries.Load(key)
}

// Delete removes the entry for key. Used when an ingester or worker is torn
// down so stale frames do not outlive their producer.
func (s *Store) Delete(key string) {
	s.entries.Delete(key)
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return s.entries.Size()
}
