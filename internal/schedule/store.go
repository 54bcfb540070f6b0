package schedule

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"campusnotify/internal/storage"
	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"
)

var (
	// ErrDuplicate means an entry with the same notification id is already scheduled.
	ErrDuplicate = errors.New("notification already scheduled")
	ErrStopped   = errors.New("scheduler stopped")
)

const persistKey = "scheduled/entries"

// Entry is one scheduled delivery.
type Entry struct {
	Envelope  kit.Envelope `json:"envelope"`
	DeliverAt time.Time    `json:"deliver_at"`
	Seq       uint64       `json:"seq"`
}

func (e Entry) ID() string { return e.Envelope.Notification.ID }

// FireFunc is called, in its own goroutine, when an entry is due. The entry has
// already left the store.
type FireFunc func(ctx context.Context, e Entry)

type Config struct {
	Now func() time.Time
}

type Store struct {
	now func() time.Time
	kv  storage.Store
	log logx.Logger

	cmds     chan func()
	done     chan struct{}
	doneOnce sync.Once

	fmu  sync.RWMutex
	fire FireFunc

	// Owned by the Run goroutine.
	heap   entryHeap
	byID   map[string]*item
	seq    uint64
	loaded bool
	fires  sync.WaitGroup
}

func New(cfg Config, kv storage.Store, log logx.Logger) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		now:  cfg.Now,
		kv:   kv,
		log:  log,
		cmds: make(chan func()),
		done: make(chan struct{}),
		byID: map[string]*item{},
	}
}

// OnFire sets the due-entry handler. Entries that come due without one are dropped
// with a warning.
func (s *Store) OnFire(fn FireFunc) {
	s.fmu.Lock()
	s.fire = fn
	s.fmu.Unlock()
}

func (s *Store) handler() FireFunc {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	return s.fire
}

// Run is the scheduler loop. It returns when ctx is canceled, after in-flight fire
// handlers have returned.
func (s *Store) Run(ctx context.Context) error {
	if !s.loaded {
		s.recover(ctx)
		s.loaded = true
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var wake <-chan time.Time
		if len(s.heap) > 0 {
			d := s.heap[0].entry.DeliverAt.Sub(s.now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			s.doneOnce.Do(func() { close(s.done) })
			s.fires.Wait()
			return nil
		case fn := <-s.cmds:
			fn()
		case <-wake:
			s.fireDue(ctx)
		}
		timer.Stop()
	}
}

func (s *Store) recover(ctx context.Context) {
	if s.kv == nil {
		return
	}
	var entries []Entry
	ok, err := storage.GetJSON(ctx, s.kv, persistKey, &entries)
	if err != nil {
		s.log.Warn("scheduled entries restore failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	now := s.now()
	overdue := 0
	for _, e := range entries {
		if _, dup := s.byID[e.ID()]; dup || e.ID() == "" {
			continue
		}
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
		if !e.DeliverAt.After(now) {
			overdue++
		}
		s.push(e)
	}
	s.log.Info("scheduled entries restored", logx.Int("total", len(s.byID)), logx.Int("overdue", overdue))
}

func (s *Store) push(e Entry) {
	it := &item{entry: e}
	heap.Push(&s.heap, it)
	s.byID[e.ID()] = it
}

func (s *Store) fireDue(ctx context.Context) {
	now := s.now()
	var due []Entry
	for len(s.heap) > 0 && !s.heap[0].entry.DeliverAt.After(now) {
		it := heap.Pop(&s.heap).(*item)
		delete(s.byID, it.entry.ID())
		due = append(due, it.entry)
	}
	if len(due) == 0 {
		return
	}
	s.persist(ctx)

	fn := s.handler()
	for _, e := range due {
		if fn == nil {
			s.log.Warn("scheduled entry due without handler", logx.String("id", e.ID()))
			continue
		}
		s.fires.Add(1)
		go func(e Entry) {
			defer s.fires.Done()
			fn(ctx, e)
		}(e)
	}
}

func (s *Store) snapshot() []Entry {
	out := make([]Entry, 0, len(s.heap))
	for _, it := range s.heap {
		out = append(out, it.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeliverAt.Equal(out[j].DeliverAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].DeliverAt.Before(out[j].DeliverAt)
	})
	return out
}

func (s *Store) persist(ctx context.Context) {
	if s.kv == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := storage.SetJSON(pctx, s.kv, persistKey, s.snapshot()); err != nil {
		s.log.Warn("scheduled entries persist failed", logx.Err(err))
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Store) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	cmd := func() {
		defer close(ran)
		fn()
	}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	<-ran
	return nil
}

// Schedule inserts an entry keyed by its notification id and wakes the loop.
func (s *Store) Schedule(ctx context.Context, env kit.Envelope, deliverAt time.Time) (Entry, error) {
	var (
		out Entry
		err error
	)
	if derr := s.do(ctx, func() {
		if _, dup := s.byID[env.Notification.ID]; dup {
			err = ErrDuplicate
			return
		}
		s.seq++
		out = Entry{Envelope: env, DeliverAt: deliverAt, Seq: s.seq}
		s.push(out)
		s.persist(ctx)
	}); derr != nil {
		return Entry{}, derr
	}
	return out, err
}

// Cancel removes a pending entry. It reports false when the id is unknown, including
// entries the loop has already dequeued for delivery.
func (s *Store) Cancel(ctx context.Context, id string) bool {
	removed := false
	_ = s.do(ctx, func() {
		it, ok := s.byID[id]
		if !ok {
			return
		}
		heap.Remove(&s.heap, it.index)
		delete(s.byID, id)
		removed = true
		s.persist(ctx)
	})
	return removed
}

// Has reports whether id is pending.
func (s *Store) Has(ctx context.Context, id string) bool {
	found := false
	_ = s.do(ctx, func() { _, found = s.byID[id] })
	return found
}

// Pending lists the pending entries ordered by DeliverAt.
func (s *Store) Pending(ctx context.Context) []Entry {
	var out []Entry
	_ = s.do(ctx, func() { out = s.snapshot() })
	return out
}

// Len is the number of pending entries.
func (s *Store) Len(ctx context.Context) int {
	n := 0
	_ = s.do(ctx, func() { n = len(s.heap) })
	return n
}
