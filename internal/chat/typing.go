package chat

import (
	"sync"
	"time"
)

// DefaultTypingDebounce is how long after the last keystroke the typing flag
// is cleared.
const DefaultTypingDebounce = 1000 * time.Millisecond

// TypingNotifier turns draft changes into typing-flag writes. The flag is
// raised on the first non-empty draft and lowered when the draft empties, on
// Clear, or when no draft change arrives for the debounce delay. At most one
// timer is outstanding; each draft change re-arms it.
//
// set is called with the notifier's lock held, in the order the flag changes.
// It must not block.
type TypingNotifier struct {
	delay time.Duration
	set   func(isTyping bool)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64 // incremented on every arm and cancel; stale timers compare unequal
	active  bool
	stopped bool
}

// NewTypingNotifier creates a notifier that reports flag changes to set.
// A non-positive delay uses DefaultTypingDebounce.
func NewTypingNotifier(delay time.Duration, set func(isTyping bool)) *TypingNotifier {
	if delay <= 0 {
		delay = DefaultTypingDebounce
	}
	return &TypingNotifier{delay: delay, set: set}
}

// DraftChanged reacts to the composer text changing to draft.
func (n *TypingNotifier) DraftChanged(draft string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return
	}
	if draft == "" {
		n.cancelLocked()
		n.lowerLocked()
		return
	}

	if !n.active {
		n.active = true
		n.set(true)
	}
	n.cancelLocked()
	gen := n.gen
	n.timer = time.AfterFunc(n.delay, func() { n.expire(gen) })
}

// Clear cancels the timer and writes false, whether or not the flag is up.
// Used after a message is sent.
func (n *TypingNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return
	}
	n.cancelLocked()
	n.active = false
	n.set(false)
}

// Stop cancels the timer and disables the notifier. It reports whether the
// flag was still up so the caller can lower it.
func (n *TypingNotifier) Stop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cancelLocked()
	n.stopped = true
	wasActive := n.active
	n.active = false
	return wasActive
}

// Active reports whether the typing flag is currently up.
func (n *TypingNotifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func (n *TypingNotifier) expire(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if gen != n.gen || n.stopped {
		return
	}
	n.timer = nil
	n.lowerLocked()
}

func (n *TypingNotifier) cancelLocked() {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *TypingNotifier) lowerLocked() {
	if n.active {
		n.active = false
		n.set(false)
	}
}
