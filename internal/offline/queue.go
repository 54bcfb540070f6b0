// Package offline is the durable FIFO of notifications that could not be sent.
//
// Entries are redelivered through the dispatcher when the network comes back (or by
// the periodic sweep once their backoff elapsed). Entries that fail again go to the
// tail with Attempt incremented; after MaxAttempts they leave the queue as
// permanently failed.
package offline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"campusnotify/internal/batch"
	"campusnotify/internal/eventbus"
	"campusnotify/internal/storage"
	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"
)

var (
	ErrDuplicate         = errors.New("notification already queued")
	ErrPermanentlyFailed = errors.New("permanently failed")
)

const persistKey = "offline/queue"

type Redeliverer interface {
	Redeliver(ctx context.Context, env kit.Envelope) kit.Result
}

type Config struct {
	// MaxAttempts bounds delivery attempts per entry; 0 means 5, negative means unbounded.
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	BatchSize       int
	InterBatchDelay time.Duration
	// MaxDrain caps entries taken per drain; 0 means all eligible.
	MaxDrain int

	Now  func() time.Time
	Rand func() float64 // [0,1), jitter source
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.InterBatchDelay < 0 {
		c.InterBatchDelay = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// Failure is an entry that exhausted its attempts.
type Failure struct {
	Envelope kit.Envelope `json:"envelope"`
	Error    string       `json:"error"`
	At       time.Time    `json:"at"`
}

func (f Failure) EventUserID() string { return f.Envelope.UserID }

// DrainReport summarizes one drain.
type DrainReport struct {
	Attempted int  `json:"attempted"`
	Completed int  `json:"completed"`
	Requeued  int  `json:"requeued"`
	Failed    int  `json:"failed"`
	Busy      bool `json:"busy,omitempty"`
}

type Queue struct {
	cfg Config
	kv  storage.Store
	bus eventbus.Bus
	log logx.Logger

	mu     sync.Mutex
	items  []kit.Envelope
	ids    map[string]struct{}
	loaded bool
	rd     Redeliverer
	failed []func(Failure)

	drainMu sync.Mutex
	// persistMu orders snapshot and write so the stored queue is never older than the last write.
	persistMu sync.Mutex
}

func New(cfg Config, kv storage.Store, bus eventbus.Bus, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{cfg: cfg.withDefaults(), kv: kv, bus: bus, log: log, ids: map[string]struct{}{}}
}

func (q *Queue) SetRedeliverer(rd Redeliverer) {
	q.mu.Lock()
	q.rd = rd
	q.mu.Unlock()
}

// OnPermanentFailure registers fn to be called for every entry that exhausts retries.
func (q *Queue) OnPermanentFailure(fn func(Failure)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.failed = append(q.failed, fn)
	q.mu.Unlock()
}

// Load restores the persisted queue once; Push calls it implicitly.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loaded || q.kv == nil {
		q.loaded = true
		return nil
	}
	var items []kit.Envelope
	ok, err := storage.GetJSON(ctx, q.kv, persistKey, &items)
	if err != nil {
		return fmt.Errorf("offline: load: %w", err)
	}
	q.loaded = true
	if !ok {
		return nil
	}
	restored := make([]kit.Envelope, 0, len(items)+len(q.items))
	ids := make(map[string]struct{}, len(items)+len(q.items))
	for _, env := range append(items, q.items...) {
		if _, dup := ids[env.Notification.ID]; dup {
			continue
		}
		ids[env.Notification.ID] = struct{}{}
		restored = append(restored, env)
	}
	q.items, q.ids = restored, ids
	q.log.Info("offline queue restored", logx.Int("entries", len(q.items)))
	return nil
}

// Push appends env to the tail, counting the failed attempt that brought it here.
func (q *Queue) Push(ctx context.Context, env kit.Envelope, cause error) error {
	if err := q.Load(ctx); err != nil {
		q.log.Warn("offline queue restore failed", logx.Err(err))
	}
	now := q.cfg.Now()
	q.mu.Lock()
	if _, dup := q.ids[env.Notification.ID]; dup {
		q.mu.Unlock()
		return ErrDuplicate
	}
	env.Attempt++
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = now
	}
	env.NextAttemptAt = now.Add(q.retryDelay(env.Attempt))
	if cause != nil {
		env.LastError = cause.Error()
	}
	q.items = append(q.items, env)
	q.ids[env.Notification.ID] = struct{}{}
	q.mu.Unlock()

	q.persist(ctx)
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queue in FIFO order.
func (q *Queue) Snapshot() []kit.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]kit.Envelope(nil), q.items...)
}

// take removes eligible entries from the head, preserving the order of the rest.
func (q *Queue) take(force bool, now time.Time) []kit.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	var picked []kit.Envelope
	rest := make([]kit.Envelope, 0, len(q.items))
	for _, env := range q.items {
		limitHit := q.cfg.MaxDrain > 0 && len(picked) >= q.cfg.MaxDrain
		if !limitHit && (force || !env.NextAttemptAt.After(now)) {
			picked = append(picked, env)
			delete(q.ids, env.Notification.ID)
			continue
		}
		rest = append(rest, env)
	}
	q.items = rest
	return picked
}

// Drain redelivers queued entries in FIFO order using bulk batching. With force, the
// backoff schedule is ignored (reconnect). Only one drain runs at a time.
func (q *Queue) Drain(ctx context.Context, force bool) DrainReport {
	if !q.drainMu.TryLock() {
		return DrainReport{Busy: true}
	}
	defer q.drainMu.Unlock()

	q.mu.Lock()
	rd := q.rd
	q.mu.Unlock()
	if rd == nil {
		return DrainReport{}
	}
	if err := q.Load(ctx); err != nil {
		q.log.Warn("offline queue restore failed", logx.Err(err))
	}

	due := q.take(force, q.cfg.Now())
	rep := DrainReport{Attempted: len(due)}
	if len(due) == 0 {
		return rep
	}

	results := make([]kit.Result, len(due))
	_, done, err := batch.Run(ctx, len(due), q.cfg.BatchSize, q.cfg.InterBatchDelay, func(ctx context.Context, i int) {
		results[i] = rd.Redeliver(ctx, due[i])
	})
	for i := done; i < len(due); i++ {
		results[i] = kit.Result{Status: kit.StatusQueuedOffline, Err: err}
	}

	now := q.cfg.Now()
	var requeue []kit.Envelope
	var failures []Failure
	for i, env := range due {
		res := results[i]
		switch res.Status {
		case kit.StatusDelivered, kit.StatusScheduled, kit.StatusDropped:
			rep.Completed++
			continue
		}
		if ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
			// Not attempted; keep the entry as it was.
			requeue = append(requeue, env)
			rep.Requeued++
			continue
		}
		env.Attempt++
		if res.Err != nil {
			env.LastError = res.Err.Error()
		}
		if q.cfg.MaxAttempts > 0 && env.Attempt >= q.cfg.MaxAttempts {
			failures = append(failures, Failure{Envelope: env, Error: env.LastError, At: now})
			rep.Failed++
			continue
		}
		env.NextAttemptAt = now.Add(q.retryDelay(env.Attempt))
		requeue = append(requeue, env)
		rep.Requeued++
	}

	q.mu.Lock()
	for _, env := range requeue {
		if _, dup := q.ids[env.Notification.ID]; dup {
			continue
		}
		q.items = append(q.items, env)
		q.ids[env.Notification.ID] = struct{}{}
	}
	hooks := append(([]func(Failure))(nil), q.failed...)
	q.mu.Unlock()

	q.persist(ctx)

	for _, f := range failures {
		q.log.Warn("notification permanently failed",
			logx.String("id", f.Envelope.Notification.ID),
			logx.String("user", f.Envelope.UserID),
			logx.Int("attempts", f.Envelope.Attempt),
			logx.String("last_error", f.Error),
		)
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.TypePermanentlyFailed, Time: now, Data: f})
		}
		for _, fn := range hooks {
			fn(f)
		}
	}
	q.log.Debug("offline drain done",
		logx.Int("attempted", rep.Attempted),
		logx.Int("completed", rep.Completed),
		logx.Int("requeued", rep.Requeued),
		logx.Int("failed", rep.Failed),
	)
	return rep
}

// Run drains the queue on every network.online event until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.Load(ctx); err != nil {
		q.log.Warn("offline queue restore failed", logx.Err(err))
	}
	if q.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := q.bus.Subscribe(4, eventbus.TypeNetworkOnline)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return errors.New("offline: bus subscription closed")
			}
			q.Drain(ctx, true)
		}
	}
}

func (q *Queue) persist(ctx context.Context) {
	if q.kv == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	items := q.Snapshot()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := storage.SetJSON(pctx, q.kv, persistKey, items); err != nil {
		q.log.Warn("offline queue persist failed", logx.Err(err))
	}
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func (q *Queue) retryDelay(attempt int) time.Duration {
	base, maxD := q.cfg.RetryBase, q.cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + q.cfg.Rand()*0.6))
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
