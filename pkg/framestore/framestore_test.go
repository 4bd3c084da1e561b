package framestore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testFrame(index uint64) *Envelope {
	return &Envelope{
		Width:      4,
		Height:     2,
		FrameIndex: index,
		ProducedAt: time.Now(),
		Pixels:     make([]byte, 4*2*3),
	}
}

func TestStoreLatestWins(t *testing.T) {
	s := NewStore()

	s.Put("cam-1", testFrame(1))
	s.Put("cam-1", testFrame(2))

	env, ok := s.Get("cam-1")
	require.True(t, ok)
	require.Equal(t, uint64(2), env.FrameIndex)
	require.Equal(t, 1, s.Len())
}

func TestStoreErrorEnvelopeVisibleUntilNextFrame(t *testing.T) {
	s := NewStore()

	s.Put("cam-1", testFrame(10))
	s.PutError("cam-1", "rtsp: connection refused")

	env, ok := s.Get("cam-1")
	require.True(t, ok)
	require.True(t, env.IsError())
	require.False(t, env.Valid())
	require.Empty(t, env.Pixels)

	s.Put("cam-1", testFrame(11))
	env, ok = s.Get("cam-1")
	require.True(t, ok)
	require.False(t, env.IsError())
	require.Equal(t, uint64(11), env.FrameIndex)
}

func TestStoreDelete(t *testing.T) {
	s := NewStore()

	s.Put("cam-1", testFrame(1))
	s.Delete("cam-1")

	_, ok := s.Get("cam-1")
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestEnvelopeValid(t *testing.T) {
	require.True(t, testFrame(1).Valid())

	short := testFrame(1)
	short.Pixels = short.Pixels[:5]
	require.False(t, short.Valid())

	require.False(t, (&Envelope{Err: "boom"}).Valid())
}

// Readers never observe a torn envelope: every Get returns a frame whose
// index and pixels belong together.
func TestStoreConcurrentReadersSeeMonotonicIndexes(t *testing.T) {
	s := NewStore()
	s.Put("cam-1", testFrame(0))

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 500; i++ {
			s.Put("cam-1", testFrame(i))
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-done:
					return
				default:
				}
				env, ok := s.Get("cam-1")
				require.True(t, ok)
				require.GreaterOrEqual(t, env.FrameIndex, last, fmt.Sprintf("index regressed from %d", last))
				require.True(t, env.Valid())
				last = env.FrameIndex
			}
		}()
	}

	wg.Wait()
}
