package dropqueue

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/telestrator/internal/logging"
)

// Queue is a bounded FIFO that never blocks the producer. When full, the
// oldest entry is discarded to make room for the newest one.
type Queue[T any] struct {
	name   string
	logger *slog.Logger

	items chan T
	done  chan struct{}

	closeOnce sync.Once

	lastDropLog atomic.Int64
	dropped     atomic.Uint64
}

func New[T any](name string, size int, logger *slog.Logger) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		name:   name,
		logger: logger,
		items:  make(chan T, size),
		done:   make(chan struct{}),
	}
}

// Enqueue reports whether v was accepted. It returns false only after Close.
func (q *Queue[T]) Enqueue(v T) bool {
	if q == nil {
		return false
	}

	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.items <- v:
		return true
	default:
	}

	select {
	case <-q.items:
		q.noteDrop()
	default:
	}

	select {
	case q.items <- v:
	default:
		q.noteDrop()
	}
	return true
}

func (q *Queue[T]) noteDrop() {
	total := q.dropped.Add(1)
	if logging.Every(&q.lastDropLog, time.Second) {
		q.logger.Debug("queue dropped oldest entry", "queue", q.name, "total", total, "len", len(q.items))
	}
}

// C yields queued entries in order. It is never closed; select on Done.
func (q *Queue[T]) C() <-chan T {
	return q.items
}

func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Close is idempotent. Entries still queued are abandoned.
func (q *Queue[T]) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Writer drains a byte queue into dst on its own goroutine so producers
// never wait on a slow consumer such as an encoder's stdin.
type Writer struct {
	*Queue[[]byte]

	dst io.Writer
	wg  sync.WaitGroup

	lastSlowLog atomic.Int64
	writeErr    atomic.Pointer[error]
}

func NewWriter(name string, dst io.Writer, size int, logger *slog.Logger) *Writer {
	if dst == nil {
		return nil
	}
	w := &Writer{
		Queue: New[[]byte](name, size, logger),
		dst:   dst,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Err returns the first write error, after which the writer stops draining.
func (w *Writer) Err() error {
	if p := w.writeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.Queue.Close()
	w.wg.Wait()
}

func (w *Writer) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case b := <-w.items:
			if len(b) == 0 {
				continue
			}
			start := time.Now()
			if _, err := w.dst.Write(b); err != nil {
				w.writeErr.CompareAndSwap(nil, &err)
				w.logger.Debug("queue write failed", "queue", w.name, "err", err)
				return
			}
			d := time.Since(start)
			if d > 50*time.Millisecond && logging.Every(&w.lastSlowLog, time.Second) {
				w.logger.Debug("slow queue write",
					"queue", w.name,
					"duration", d,
					"bytes", len(b),
					"len", len(w.items),
				)
			}
		}
	}
}
