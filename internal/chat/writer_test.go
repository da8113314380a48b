package chat

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/whisper/livechat/internal/model"
)

type slowUpdater struct {
	mu          sync.Mutex
	delay       time.Duration
	upsertDelay time.Duration
	err         error
	written     []bool
	users       []string
	ops         []string
}

func (u *slowUpdater) UpsertTyping(_ context.Context, status model.TypingStatus) error {
	time.Sleep(u.upsertDelay)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops = append(u.ops, fmt.Sprintf("upsert %s=%v", status.Username, status.IsTyping))
	return nil
}

func (u *slowUpdater) UpdateTyping(_ context.Context, username string, isTyping bool) error {
	time.Sleep(u.delay)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.written = append(u.written, isTyping)
	u.users = append(u.users, username)
	u.ops = append(u.ops, fmt.Sprintf("update %s=%v", username, isTyping))
	return u.err
}

func (u *slowUpdater) snapshot() []bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]bool, len(u.written))
	copy(out, u.written)
	return out
}

func TestTypingWriterSavesRowBeforeUpdates(t *testing.T) {
	u := &slowUpdater{upsertDelay: 50 * time.Millisecond}
	w := NewTypingWriter(u, "alice", time.Second)

	w.Set(true)
	w.Close()

	u.mu.Lock()
	defer u.mu.Unlock()
	want := []string{"upsert alice=false", "update alice=true"}
	if !reflect.DeepEqual(u.ops, want) {
		t.Fatalf("expected %v, got %v", want, u.ops)
	}
}

func TestTypingWriterAppliesInOrder(t *testing.T) {
	u := &slowUpdater{}
	w := NewTypingWriter(u, "alice", time.Second)

	w.Set(true)
	waitFor(t, time.Second, func() bool { return len(u.snapshot()) == 1 })
	w.Set(false)
	w.Close()

	got := u.snapshot()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("expected [true false], got %v", got)
	}
	for _, name := range u.users {
		if name != "alice" {
			t.Errorf("expected writes for alice, got %q", name)
		}
	}
}

func TestTypingWriterCoalescesToLatest(t *testing.T) {
	u := &slowUpdater{delay: 50 * time.Millisecond}
	w := NewTypingWriter(u, "bob", time.Second)

	w.Set(true)
	time.Sleep(10 * time.Millisecond) // first write in flight
	w.Set(false)
	w.Set(true)
	w.Set(false)
	w.Close()

	got := u.snapshot()
	if len(got) == 0 || got[len(got)-1] != false {
		t.Fatalf("expected last write false, got %v", got)
	}
	if len(got) > 2 {
		t.Errorf("expected queued writes to coalesce, got %d writes: %v", len(got), got)
	}
}

func TestTypingWriterCloseFlushesAndStops(t *testing.T) {
	u := &slowUpdater{}
	w := NewTypingWriter(u, "carol", time.Second)

	w.Set(false)
	w.Close()
	w.Close()
	w.Set(true)

	time.Sleep(20 * time.Millisecond)
	got := u.snapshot()
	if len(got) != 1 || got[0] != false {
		t.Fatalf("expected single false write, got %v", got)
	}
}

func TestTypingWriterErrorDoesNotStop(t *testing.T) {
	u := &slowUpdater{err: errors.New("boom")}
	w := NewTypingWriter(u, "dave", time.Second)
	defer w.Close()

	w.Set(true)
	waitFor(t, time.Second, func() bool { return len(u.snapshot()) == 1 })
	w.Set(false)
	waitFor(t, time.Second, func() bool { return len(u.snapshot()) == 2 })
}
