package inkstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/internal/logging"
)

const quickSaveTimeout = 5 * time.Second

// QuickSaver writes a history entry after every committed stroke and after
// every undo, redo, clear or layer deletion, so the newest entry never holds
// ink that was taken away. Events only raise a flag: the save runs on the
// saver's goroutine and a burst of events coalesces into one save.
type QuickSaver struct {
	store   *ink.Store
	history *History
	keep    int
	logger  *slog.Logger

	pending     chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once

	saved       atomic.Uint64
	failed      atomic.Uint64
	lastFailLog atomic.Int64
}

// StartQuickSave subscribes to store. keep > 0 prunes the history down to
// that many entries after each save.
func StartQuickSave(store *ink.Store, history *History, keep int, logger *slog.Logger) *QuickSaver {
	q := &QuickSaver{
		store:   store,
		history: history,
		keep:    keep,
		logger:  logging.Component(logger, "quicksave"),
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	q.unsubscribe = store.Subscribe(func(ev ink.Event) {
		switch ev.Kind {
		case ink.StrokeCommitted, ink.LayerChanged, ink.LayerDeleted:
		default:
			return
		}
		select {
		case q.pending <- struct{}{}:
		default:
		}
	})
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *QuickSaver) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.pending:
			q.save()
		}
	}
}

func (q *QuickSaver) save() {
	ctx, cancel := context.WithTimeout(context.Background(), quickSaveTimeout)
	defer cancel()

	e, err := q.history.Save(ctx, q.store.Snapshot())
	if err != nil {
		q.failed.Add(1)
		if logging.Every(&q.lastFailLog, 10*time.Second) {
			q.logger.Warn("quick save failed", "err", err)
		}
		return
	}
	q.logger.Debug("quick saved", "id", e.ID, "strokes", e.Strokes)

	if q.keep > 0 {
		if n, err := q.history.Prune(ctx, q.keep); err != nil {
			q.logger.Warn("history prune failed", "err", err)
		} else if n > 0 {
			q.logger.Debug("history pruned", "removed", n)
		}
	}
	q.saved.Add(1)
}

// Saved counts successful saves, including their prune.
func (q *QuickSaver) Saved() uint64 {
	return q.saved.Load()
}

// Close unsubscribes and waits for a save in progress. A commit still
// pending at Close is not saved.
func (q *QuickSaver) Close() {
	q.closeOnce.Do(func() {
		q.unsubscribe()
		close(q.done)
		q.wg.Wait()
	})
}
