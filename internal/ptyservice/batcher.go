package ptyservice

import (
	"bytes"
	"context"
	"sync"
	"time"

	"tabterm/internal/session"
)

const (
	defaultFlushInterval = 16 * time.Millisecond
	defaultMaxBatchBytes = 8 * 1024
)

var batchBufferPool = sync.Pool{
	New: func() any { return &bytes.Buffer{} },
}

// outputBatcher coalesces session output so a chatty shell produces one
// emit per interval instead of one per read. A single worker flushes every
// session.
type outputBatcher struct {
	// emitMu orders emits so chunks of one session never overtake each other.
	emitMu   sync.Mutex
	mu       sync.Mutex
	interval time.Duration
	maxBytes int
	emit     func(session.Handle, []byte)
	pending  map[session.Handle]*bytes.Buffer
	stopped  bool
	wake     chan struct{}
}

func newOutputBatcher(interval time.Duration, maxBytes int, emit func(session.Handle, []byte)) *outputBatcher {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBatchBytes
	}
	if emit == nil {
		emit = func(session.Handle, []byte) {}
	}
	return &outputBatcher{
		interval: interval,
		maxBytes: maxBytes,
		emit:     emit,
		pending:  map[session.Handle]*bytes.Buffer{},
		wake:     make(chan struct{}, 1),
	}
}

// add buffers data for handle. A buffer reaching maxBytes wakes the flusher
// early.
func (b *outputBatcher) add(handle session.Handle, data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	buf := b.pending[handle]
	if buf == nil {
		buf = batchBufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		b.pending[handle] = buf
	}
	buf.Write(data)
	full := buf.Len() >= b.maxBytes
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// drop flushes whatever is pending for handle and forgets it.
func (b *outputBatcher) drop(handle session.Handle) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	buf := b.pending[handle]
	delete(b.pending, handle)
	var data []byte
	if buf != nil {
		data = bytes.Clone(buf.Bytes())
		batchBufferPool.Put(buf)
	}
	b.mu.Unlock()

	if len(data) > 0 {
		b.emit(handle, data)
	}
}

// run flushes on every tick until ctx is done, then flushes once more and
// stops accepting output.
func (b *outputBatcher) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flush(true)
			return
		case <-b.wake:
			b.flush(false)
		case <-ticker.C:
			b.flush(true)
		}
	}
}

// flush emits every non-empty buffer, or only full ones when all is false.
func (b *outputBatcher) flush(all bool) {
	type chunk struct {
		handle session.Handle
		data   []byte
	}
	var chunks []chunk

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	for handle, buf := range b.pending {
		if buf.Len() == 0 || (!all && buf.Len() < b.maxBytes) {
			continue
		}
		chunks = append(chunks, chunk{handle: handle, data: bytes.Clone(buf.Bytes())})
		buf.Reset()
	}
	b.mu.Unlock()

	for _, c := range chunks {
		b.emit(c.handle, c.data)
	}
}

func (b *outputBatcher) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}
