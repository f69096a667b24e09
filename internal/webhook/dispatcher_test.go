package webhook

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"provenance/internal/config"
)

func testDispatcher(t *testing.T, urls []string) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	d := NewDispatcher(config.WebhookConfig{
		URLs:               urls,
		Timeout:            2 * time.Second,
		MaxAttempts:        3,
		BaseBackoffSeconds: 1,
		MaxBackoffSeconds:  300,
		QueueFile:          filepath.Join(dir, "queue.json"),
		DeadLetterFile:     filepath.Join(dir, "dead_letter.jsonl"),
		DrainInterval:      time.Second,
	}, nil, nil)
	return d
}

func drainAt(t *testing.T, d *Dispatcher, at time.Time) DrainStats {
	t.Helper()
	d.now = func() time.Time { return at }
	stats, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return stats
}

func TestDeliverySuccess(t *testing.T) {
	var received atomic.Int64
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EventID   string          `json:"event_id"`
			EventType string          `json:"event_type"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EventID == "" {
			t.Errorf("malformed delivery body: %v", err)
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	d := testDispatcher(t, []string{sink.URL})
	if err := d.Enqueue("detection.completed", map[string]any{"analysis_id": "abc"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats := drainAt(t, d, time.Now().UTC())
	if stats.Delivered != 1 || stats.Pending != 0 || stats.DeadLettered != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if received.Load() != 1 {
		t.Fatalf("sink received %d deliveries", received.Load())
	}
}

func TestAtLeastOnceThenDeadLetter(t *testing.T) {
	var attempts atomic.Int64
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()

	d := testDispatcher(t, []string{sink.URL})
	if err := d.Enqueue("detection.completed", map[string]any{"analysis_id": "abc"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UTC()
	stats := drainAt(t, d, now)
	if stats.Processed != 1 || stats.Pending != 1 {
		t.Fatalf("first drain stats = %+v", stats)
	}

	stats = drainAt(t, d, now.Add(10*time.Minute))
	if stats.Processed != 1 || stats.Pending != 1 {
		t.Fatalf("second drain stats = %+v", stats)
	}

	stats = drainAt(t, d, now.Add(20*time.Minute))
	if stats.DeadLettered != 1 || stats.Pending != 0 {
		t.Fatalf("third drain stats = %+v", stats)
	}
	if attempts.Load() != 3 {
		t.Fatalf("sink saw %d attempts, want 3", attempts.Load())
	}

	// Exactly one dead-letter entry carrying the final attempt count and a
	// payload digest.
	f, err := os.Open(d.cfg.DeadLetterFile)
	if err != nil {
		t.Fatalf("open dead letter: %v", err)
	}
	defer f.Close()
	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry DeadLetterEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("parse dead letter line: %v", err)
		}
		entries = append(entries, entry)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letter entries = %d, want 1", len(entries))
	}
	if entries[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", entries[0].Attempts)
	}
	if len(entries[0].PayloadDigest) != 64 {
		t.Fatalf("payload digest %q is not a sha256 hex", entries[0].PayloadDigest)
	}
}

func TestBackoffRespectsSchedule(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer sink.Close()

	d := testDispatcher(t, []string{sink.URL})
	if err := d.Enqueue("detection.completed", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UTC()
	drainAt(t, d, now)

	// Well inside the first backoff (1s base, ±20% jitter): not due yet.
	stats := drainAt(t, d, now.Add(100*time.Millisecond))
	if stats.Processed != 0 || stats.Pending != 1 {
		t.Fatalf("item retried before its backoff: %+v", stats)
	}
}

func TestEnqueueWithoutURLsIsNoop(t *testing.T) {
	d := testDispatcher(t, nil)
	if err := d.Enqueue("detection.completed", map[string]any{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestQueueSurvivesReload(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	d := testDispatcher(t, []string{sink.URL})
	if err := d.Enqueue("detection.completed", map[string]any{"analysis_id": "abc"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A second dispatcher over the same files picks the item up, as after a
	// crash and restart.
	d2 := NewDispatcher(d.cfg, nil, nil)
	stats := drainAt(t, d2, time.Now().UTC())
	if stats.Delivered != 1 {
		t.Fatalf("reloaded dispatcher stats = %+v", stats)
	}
}
