package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/model"
)

// TypingStore is the store surface a TypingWriter writes to.
type TypingStore interface {
	UpsertTyping(ctx context.Context, status model.TypingStatus) error
	UpdateTyping(ctx context.Context, username string, isTyping bool) error
}

// TypingWriter applies typing-flag writes for one user on a single
// goroutine, in the order they were requested. It first upserts the user's
// row with is_typing false, so flag updates never target a missing row.
// Requests that arrive while a write is in flight are coalesced: only the
// latest value is written next.
type TypingWriter struct {
	store    TypingStore
	username string
	timeout  time.Duration

	mu      sync.Mutex
	pending *bool
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewTypingWriter starts a writer for username. timeout bounds each write.
func NewTypingWriter(store TypingStore, username string, timeout time.Duration) *TypingWriter {
	w := &TypingWriter{
		store:    store,
		username: username,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Set requests that the flag become isTyping. It never blocks.
func (w *TypingWriter) Set(isTyping bool) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	v := isTyping
	w.pending = &v
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close writes any pending value and stops the writer.
func (w *TypingWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
}

func (w *TypingWriter) run() {
	defer w.wg.Done()
	w.register()
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

func (w *TypingWriter) context() (context.Context, context.CancelFunc) {
	if w.timeout > 0 {
		return context.WithTimeout(context.Background(), w.timeout)
	}
	return context.WithCancel(context.Background())
}

func (w *TypingWriter) register() {
	ctx, cancel := w.context()
	defer cancel()

	start := time.Now()
	err := w.store.UpsertTyping(ctx, model.TypingStatus{
		Username:  w.username,
		IsTyping:  false,
		UpdatedAt: time.Now().UTC(),
	})
	metrics.ObserveStoreOp("upsert_typing", start)
	if err != nil {
		log.Printf("[chat] save typing row for %s: %v", w.username, err)
	}
}

func (w *TypingWriter) flush() {
	w.mu.Lock()
	p := w.pending
	w.pending = nil
	w.mu.Unlock()

	if p == nil {
		return
	}

	ctx, cancel := w.context()
	defer cancel()

	start := time.Now()
	err := w.store.UpdateTyping(ctx, w.username, *p)
	metrics.ObserveStoreOp("update_typing", start)
	if err != nil {
		log.Printf("[chat] update typing %s=%v: %v", w.username, *p, err)
	}
}
