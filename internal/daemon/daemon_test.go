package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/aitoggle"
	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/config"
	"github.com/klinikly/chatsync/internal/delivery"
	"github.com/klinikly/chatsync/internal/engine"
	"github.com/klinikly/chatsync/internal/lock"
	"github.com/klinikly/chatsync/internal/queue"
	"github.com/klinikly/chatsync/internal/store"
	"github.com/klinikly/chatsync/internal/transport"
)

func TestProvideConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := provideConfig(Params{ConfigPath: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("provideConfig() error = %v", err)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want default 3", cfg.Queue.MaxAttempts)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	// Second run loads the written file instead of rewriting it.
	cfg2, err := provideConfig(Params{ConfigPath: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("second provideConfig() error = %v", err)
	}
	if cfg2.Transport.HeartbeatIntervalMS != cfg.Transport.HeartbeatIntervalMS {
		t.Error("reloaded config differs from written defaults")
	}
}

// TestDaemonComposition assembles the full component stack by hand, the way
// the fx providers do, and exercises an offline session lifecycle: no
// backend is reachable, yet sends queue and shutdown is clean.
func TestDaemonComposition(t *testing.T) {
	tmpDir := t.TempDir()
	sessionDir := filepath.Join(tmpDir, "conv-test")
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	cfg := config.Default()
	// Nothing listens here; the engine must still operate offline.
	cfg.Transport.URL = "ws://127.0.0.1:9/sync"
	cfg.Transport.ReconnectBaseMS = 50
	cfg.AI.EndpointURL = "http://127.0.0.1:9"

	logger := zap.NewNop()
	b := bus.New()
	tracker := delivery.NewTracker(db, b, logger)
	q := queue.New(db, tracker, b, logger, cfg.Queue.MaxAttempts, cfg.Queue.RetryBase())
	conn := transport.NewManager(cfg.Transport, transport.Dialer(cfg.Transport.URL, nil), b, logger)
	toggle := aitoggle.New(aitoggle.NewHTTPSetter(cfg.AI.EndpointURL), b, logger, cfg.AI, "conv-test", false)
	eng := engine.New("conv-test", "user-test", cfg, db, tracker, q, conn, toggle, b, logger)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	id, err := eng.SendMessage("queued while offline")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := db.GetMessage("conv-test", id)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil && m.Status == string(delivery.QueuedOffline) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never reached QUEUED_OFFLINE: %+v", m)
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := eng.Snapshot()
	if snap.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", snap.QueueDepth)
	}
	if len(snap.Messages) != 1 {
		t.Errorf("message window = %d entries, want 1", len(snap.Messages))
	}

	if err := eng.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
