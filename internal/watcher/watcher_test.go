package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/whichcard/whichcard/internal/refresh"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRefresher struct {
	mu    sync.Mutex
	files []string
	err   error
	calls chan string
}

func newFakeRefresher(err error) *fakeRefresher {
	return &fakeRefresher{err: err, calls: make(chan string, 10)}
}

func (f *fakeRefresher) Refresh(ctx context.Context, opts refresh.RunOptions) (refresh.Report, error) {
	f.mu.Lock()
	f.files = append(f.files, opts.FromFile)
	f.mu.Unlock()
	f.calls <- opts.FromFile
	if f.err != nil {
		return refresh.Report{}, f.err
	}
	return refresh.Report{VersionID: "test", DocumentCount: 1}, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

func startWatcher(t *testing.T, ref Refresher) (inbox string, cancel context.CancelFunc) {
	t.Helper()
	inbox = filepath.Join(t.TempDir(), "inbox")
	w, err := New(Options{
		Logger:    testLogger(),
		InboxDir:  inbox,
		Debounce:  50 * time.Millisecond,
		Refresher: ref,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancelCtx()
		<-done
		_ = w.Close()
	})
	return inbox, cancelCtx
}

func waitForCall(t *testing.T, ref *fakeRefresher) string {
	t.Helper()
	select {
	case path := <-ref.calls:
		return path
	case <-time.After(5 * time.Second):
		t.Fatal("refresh not triggered")
		return ""
	}
}

func waitGone(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file still present: %s", path)
}

func TestDroppedCSVTriggersRefreshAndIsConsumed(t *testing.T) {
	t.Parallel()

	ref := newFakeRefresher(nil)
	inbox, _ := startWatcher(t, ref)

	path := filepath.Join(inbox, "cards.csv")
	if err := os.WriteFile(path, []byte("card_name,category,rate,activation\nA,fuel,3,false\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := waitForCall(t, ref); got != path {
		t.Fatalf("refreshed %q, want %q", got, path)
	}
	waitGone(t, path)
}

func TestFailedRefreshLeavesFile(t *testing.T) {
	t.Parallel()

	ref := newFakeRefresher(errors.New("parse failed"))
	inbox, _ := startWatcher(t, ref)

	path := filepath.Join(inbox, "bad.csv")
	if err := os.WriteFile(path, []byte("not a catalog"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForCall(t, ref)

	// Give the consume path a moment; the file must survive.
	time.Sleep(200 * time.Millisecond)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file removed after failed refresh: %v", err)
	}
}

func TestNonCSVIgnored(t *testing.T) {
	t.Parallel()

	ref := newFakeRefresher(nil)
	inbox, _ := startWatcher(t, ref)

	for _, name := range []string{"notes.txt", ".hidden.csv"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	select {
	case path := <-ref.calls:
		t.Fatalf("unexpected refresh for %q", path)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestRapidWritesCoalesce(t *testing.T) {
	t.Parallel()

	ref := newFakeRefresher(nil)
	inbox, _ := startWatcher(t, ref)

	path := filepath.Join(inbox, "cards.csv")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("card_name,category,rate,activation\nA,fuel,3,false\n"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitForCall(t, ref)
	time.Sleep(300 * time.Millisecond)
	if n := ref.callCount(); n != 1 {
		t.Fatalf("refresh ran %d times, want 1", n)
	}
}

func TestNewRequiresRefresher(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{InboxDir: t.TempDir(), Logger: testLogger()}); err == nil {
		t.Fatal("expected error for missing refresher")
	}
}
