package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"provenance/internal/config"
	"provenance/internal/models"
	"provenance/internal/repository"
)

// EmitOptions carries the optional identity fields on an event.
type EmitOptions struct {
	Source    string
	ActorID   string
	RequestID string
}

// Emitter accepts events from every component, keeps the bounded ring
// current, and persists rows in the background. Emit never blocks and a
// persistence failure never propagates to the caller.
type Emitter struct {
	cfg    config.AuditConfig
	repo   repository.Repository
	logger *zap.Logger
	ring   *Ring

	seq     uint64
	pending chan models.AuditEvent
	dropped uint64

	subMu sync.Mutex
	subs  map[int]chan Event
	subID int
}

func NewEmitter(cfg config.AuditConfig, repo repository.Repository, logger *zap.Logger) *Emitter {
	capacity := cfg.RingCapacity
	if capacity <= 0 {
		capacity = 20000
	}
	return &Emitter{
		cfg:     cfg,
		repo:    repo,
		logger:  logger,
		ring:    NewRing(capacity),
		pending: make(chan models.AuditEvent, 1024),
		subs:    map[int]chan Event{},
	}
}

// Emit records an event. The ring update and subscriber fanout are
// synchronous and cheap; the DB write is queued. If the queue is full the
// durable write is dropped, never the caller.
func (e *Emitter) Emit(eventType, severity string, payload map[string]any, opts EmitOptions) {
	if e == nil || !e.cfg.Enabled {
		return
	}
	if severity == "" {
		severity = "info"
	}
	source := opts.Source
	if source == "" {
		source = "api"
	}

	event := Event{
		Seq:       atomic.AddUint64(&e.seq, 1),
		EventType: eventType,
		Severity:  severity,
		Source:    source,
		ActorID:   opts.ActorID,
		RequestID: opts.RequestID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	e.ring.Push(event)
	e.fanout(event)

	row := models.AuditEvent{
		EventType: eventType,
		Severity:  severity,
		Source:    source,
		CreatedAt: event.CreatedAt,
	}
	if opts.ActorID != "" {
		row.ActorID = &opts.ActorID
	}
	if opts.RequestID != "" {
		row.RequestID = &opts.RequestID
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			row.Payload = raw
		}
	}

	select {
	case e.pending <- row:
	default:
		if atomic.AddUint64(&e.dropped, 1)%100 == 1 && e.logger != nil {
			e.logger.Warn("audit queue full, dropping durable writes",
				zap.Uint64("dropped", atomic.LoadUint64(&e.dropped)),
			)
		}
	}
}

// Tail serves the fast in-memory path.
func (e *Emitter) Tail(limit int, filter TailFilter) []Event {
	return e.ring.Tail(limit, filter)
}

// Query serves the durable path with indexed access.
func (e *Emitter) Query(ctx context.Context, params repository.ListAuditEventsParams) ([]models.AuditEvent, int64, error) {
	items, err := e.repo.ListAuditEvents(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.repo.CountAuditEvents(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Subscribe registers a live event channel (used by the websocket stream).
// The returned cancel func must be called to release the subscription.
func (e *Emitter) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	e.subMu.Lock()
	e.subID++
	id := e.subID
	e.subs[id] = ch
	e.subMu.Unlock()
	return ch, func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Emitter) fanout(event Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
			// Slow consumers miss events rather than stalling the emitter.
		}
	}
}

// Run drains the pending queue into the database until ctx is cancelled,
// trimming overflow rows periodically.
func (e *Emitter) Run(ctx context.Context) error {
	trimTicker := time.NewTicker(5 * time.Minute)
	defer trimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flush()
			return ctx.Err()
		case row := <-e.pending:
			e.persist(row)
		case <-trimTicker.C:
			if n, err := e.repo.TrimAuditEvents(ctx, e.cfg.MaxItems); err != nil {
				if e.logger != nil {
					e.logger.Warn("audit trim failed", zap.Error(err))
				}
			} else if n > 0 && e.logger != nil {
				e.logger.Info("trimmed audit events", zap.Int64("count", n))
			}
		}
	}
}

func (e *Emitter) persist(row models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.repo.InsertAuditEvent(ctx, &row); err != nil && e.logger != nil {
		e.logger.Warn("audit event write failed",
			zap.String("event_type", row.EventType),
			zap.Error(err),
		)
	}
}

func (e *Emitter) flush() {
	for {
		select {
		case row := <-e.pending:
			e.persist(row)
		default:
			return
		}
	}
}
