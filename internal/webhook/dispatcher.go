package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"provenance/internal/audit"
	"provenance/internal/config"
)

// Item is one pending delivery. EventID is stable across retries so
// consumers can deduplicate; Seq increases monotonically within a process.
type Item struct {
	EventID       string          `json:"event_id"`
	Seq           uint64          `json:"seq"`
	EventType     string          `json:"event_type"`
	URL           string          `json:"url"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	FirstFailedAt *time.Time      `json:"first_failed_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DeadLetterEntry is the append-only record of an exhausted delivery.
type DeadLetterEntry struct {
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	URL            string     `json:"url"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error"`
	PayloadDigest  string     `json:"payload_digest"`
	CreatedAt      time.Time  `json:"created_at"`
	FirstFailedAt  *time.Time `json:"first_failed_at,omitempty"`
	DeadLetteredAt time.Time  `json:"dead_lettered_at"`
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Processed    int `json:"processed"`
	Delivered    int `json:"delivered"`
	DeadLettered int `json:"dead_lettered"`
	Pending      int `json:"pending"`
}

// Dispatcher delivers queued payloads with at-least-once semantics. The
// queue file is rewritten atomically on every drain pass; only one drain
// runs per process (guarded by mu).
type Dispatcher struct {
	cfg    config.WebhookConfig
	logger *zap.Logger
	audit  *audit.Emitter
	client *http.Client

	mu  sync.Mutex
	seq uint64

	now  func() time.Time
	rand *rand.Rand
}

func NewDispatcher(cfg config.WebhookConfig, logger *zap.Logger, auditEmitter *audit.Emitter) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		audit:  auditEmitter,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue appends one item per configured URL. Delivery happens on the next
// drain pass.
func (d *Dispatcher) Enqueue(eventType string, payload any) error {
	if len(d.cfg.URLs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	now := d.now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()

	queue, err := d.loadQueue()
	if err != nil {
		return err
	}
	for _, url := range d.cfg.URLs {
		queue = append(queue, Item{
			EventID:       uuid.NewString(),
			Seq:           atomic.AddUint64(&d.seq, 1),
			EventType:     eventType,
			URL:           url,
			Payload:       encoded,
			Attempts:      0,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
	return d.saveQueue(queue)
}

// Run drains the queue on a fixed interval until ctx is cancelled. The pass
// in flight when cancellation arrives finishes its current item.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.cfg.DrainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if stats, err := d.Drain(ctx); err != nil {
				if d.logger != nil {
					d.logger.Warn("webhook drain failed", zap.Error(err))
				}
			} else if stats.Processed > 0 && d.logger != nil {
				d.logger.Info("webhook drain",
					zap.Int("processed", stats.Processed),
					zap.Int("delivered", stats.Delivered),
					zap.Int("dead_lettered", stats.DeadLettered),
					zap.Int("pending", stats.Pending),
				)
			}
		}
	}
}

// Drain processes every due item once and rewrites the queue snapshot.
func (d *Dispatcher) Drain(ctx context.Context) (DrainStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue, err := d.loadQueue()
	if err != nil {
		return DrainStats{}, err
	}
	if len(queue) == 0 {
		return DrainStats{}, nil
	}

	now := d.now().UTC()
	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var stats DrainStats
	pending := make([]Item, 0, len(queue))
	for _, item := range queue {
		if ctx.Err() != nil {
			pending = append(pending, item)
			continue
		}
		if item.NextAttemptAt.After(now) {
			pending = append(pending, item)
			continue
		}

		stats.Processed++
		deliveryErr := d.deliverOnce(context.WithoutCancel(ctx), item)
		if deliveryErr == nil {
			stats.Delivered++
			d.emitAudit("webhook.delivered", "info", map[string]any{
				"event_id":   item.EventID,
				"event_type": item.EventType,
				"url":        item.URL,
				"attempts":   item.Attempts + 1,
			})
			continue
		}

		item.Attempts++
		item.LastError = deliveryErr.Error()
		if item.FirstFailedAt == nil {
			failedAt := now
			item.FirstFailedAt = &failedAt
		}

		if item.Attempts >= maxAttempts {
			stats.DeadLettered++
			entry := DeadLetterEntry{
				EventID:        item.EventID,
				EventType:      item.EventType,
				URL:            item.URL,
				Attempts:       item.Attempts,
				LastError:      item.LastError,
				PayloadDigest:  payloadDigest(item.Payload),
				CreatedAt:      item.CreatedAt,
				FirstFailedAt:  item.FirstFailedAt,
				DeadLetteredAt: now,
			}
			if err := d.appendDeadLetter(entry); err != nil && d.logger != nil {
				d.logger.Error("dead letter append failed", zap.Error(err))
			}
			d.emitAudit("webhook.dead_lettered", "error", map[string]any{
				"event_id":       item.EventID,
				"event_type":     item.EventType,
				"url":            item.URL,
				"attempts":       item.Attempts,
				"last_error":     item.LastError,
				"payload_digest": entry.PayloadDigest,
			})
			continue
		}

		item.NextAttemptAt = now.Add(d.backoff(item.Attempts))
		pending = append(pending, item)
	}

	stats.Pending = len(pending)
	if err := d.saveQueue(pending); err != nil {
		return stats, err
	}
	return stats, nil
}

func (d *Dispatcher) deliverOnce(ctx context.Context, item Item) error {
	body := map[string]any{
		"event_id":   item.EventID,
		"seq":        item.Seq,
		"event_type": item.EventType,
		"payload":    item.Payload,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sig := d.signature(encoded); sig != "" {
		req.Header.Set("X-Webhook-Signature", sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// backoff is min(base * 2^(n-1), max) with ±20% jitter.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	base := d.cfg.BaseBackoffSeconds
	if base <= 0 {
		base = 2
	}
	maxBackoff := d.cfg.MaxBackoffSeconds
	if maxBackoff <= 0 {
		maxBackoff = 300
	}
	seconds := base * math.Pow(2, float64(attempts-1))
	if seconds > maxBackoff {
		seconds = maxBackoff
	}
	jitter := 1.0 + (d.rand.Float64()*0.4 - 0.2)
	return time.Duration(seconds * jitter * float64(time.Second))
}

func (d *Dispatcher) signature(payload []byte) string {
	if d.cfg.Secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(d.cfg.Secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (d *Dispatcher) emitAudit(eventType, severity string, payload map[string]any) {
	if d.audit != nil {
		d.audit.Emit(eventType, severity, payload, audit.EmitOptions{Source: "webhook"})
	}
}

// --- queue file persistence -------------------------------------------------

func (d *Dispatcher) loadQueue() ([]Item, error) {
	raw, err := os.ReadFile(d.cfg.QueueFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	var queue []Item
	if err := json.Unmarshal(raw, &queue); err != nil {
		// A corrupt snapshot is unrecoverable; start fresh rather than wedge.
		if d.logger != nil {
			d.logger.Error("queue file corrupt, resetting", zap.Error(err))
		}
		return nil, nil
	}
	return queue, nil
}

// saveQueue writes the snapshot atomically via temp file + rename.
func (d *Dispatcher) saveQueue(queue []Item) error {
	if queue == nil {
		queue = []Item{}
	}
	encoded, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(d.cfg.QueueFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".webhook-queue-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.cfg.QueueFile)
}

func (d *Dispatcher) appendDeadLetter(entry DeadLetterEntry) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.DeadLetterFile), 0o755); err != nil {
		return err
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(d.cfg.DeadLetterFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return err
	}
	return nil
}

// PendingCount reports the current queue depth (admin/status surface).
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue, err := d.loadQueue()
	if err != nil {
		return 0
	}
	return len(queue)
}
