package launcher

import "sync"

// boundedBuffer is a concurrency-safe writer that keeps at most max bytes.
// Writes past the cap are counted but discarded, so a runaway worker cannot
// grow the orchestrator's memory while its partial output stays available.
type boundedBuffer struct {
	mu      sync.Mutex
	max     int64
	data    []byte
	dropped int64
}

func newBoundedBuffer(max int64) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - int64(len(b.data))
	if room > 0 {
		n := int64(len(p))
		if n > room {
			n = room
		}
		b.data = append(b.data, p[:n]...)
		b.dropped += int64(len(p)) - n
	} else {
		b.dropped += int64(len(p))
	}
	// Report full success so the worker never sees a write error.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Dropped returns how many bytes were discarded past the cap.
func (b *boundedBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
