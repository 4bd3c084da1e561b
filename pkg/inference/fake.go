package inference

import (
	"context"
	"sync"

	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/types"
)

// Fake is a scripted Detector for tests and for running the process with no
// model server attached. Each call pops the next queued result; when the
// script runs out it keeps returning the last one.
type Fake struct {
	mu      sync.Mutex
	results []types.Detections
	err     error
	calls   int
}

var _ Detector = &Fake{}

func NewFake(results ...types.Detections) *Fake {
	return &Fake{results: results}
}

// Fail makes every subsequent Detect return err.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Detect(_ context.Context, _ string, env *framestore.Envelope) (types.Detections, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return types.Detections{}, f.err
	}
	if len(f.results) == 0 {
		return types.Detections{Timestamp: env.ProducedAt}, nil
	}
	next := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	next.Timestamp = env.ProducedAt
	return next, nil
}
