// Package maintenance runs the periodic housekeeping jobs: subscription validation,
// the offline retry sweep and rate-limiter cleanup.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	logx "campusnotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

var ErrUnknownJob = errors.New("unknown job")

type Job struct {
	Name string
	// Spec is a cron expression or "@every <duration>".
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStats is a point-in-time view for health output.
type JobStats struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	Next     time.Time `json:"next,omitempty"`
}

type entry struct {
	job   Job
	id    cron.EntryID
	stats JobStats
	busy  sync.Mutex
}

type Runner struct {
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron

	mu   sync.Mutex
	jobs map[string]*entry
	ctx  context.Context
}

func New(loc *time.Location, log logx.Logger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "maintenance"))
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Runner{
		log:    log,
		parser: parser,
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithLogger(cronLogger{log})),
		jobs:   map[string]*entry{},
		ctx:    context.Background(),
	}
}

// Add registers a job. Interval jobs get a random first-run spread so a restart does
// not fire every sweep at once.
func (r *Runner) Add(j Job) error {
	if strings.TrimSpace(j.Name) == "" || j.Run == nil {
		return errors.New("maintenance: job needs a name and a func")
	}
	spec := strings.TrimSpace(j.Spec)
	if spec == "" {
		return fmt.Errorf("maintenance: job %s: empty schedule", j.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[j.Name]; dup {
		return fmt.Errorf("maintenance: job %s already registered", j.Name)
	}
	e := &entry{job: j, stats: JobStats{Name: j.Name, Spec: spec}}
	fn := cron.FuncJob(func() { r.execute(r.runCtx(), e) })

	if every, ok := strings.CutPrefix(spec, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil || d <= 0 {
			return fmt.Errorf("maintenance: job %s: bad interval %q", j.Name, spec)
		}
		e.id = r.c.Schedule(spreadSchedule(d, time.Now(), j.Name), fn)
	} else {
		sched, err := r.parser.Parse(spec)
		if err != nil {
			return fmt.Errorf("maintenance: job %s: %w", j.Name, err)
		}
		e.id = r.c.Schedule(sched, fn)
	}
	r.jobs[j.Name] = e
	return nil
}

func (r *Runner) runCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// Run starts triggering and blocks until ctx is done, then waits for running jobs.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	n := len(r.jobs)
	r.mu.Unlock()

	r.c.Start()
	r.log.Info("maintenance started", logx.Int("jobs", n))
	<-ctx.Done()
	<-r.c.Stop().Done()
	return nil
}

// Trigger runs a job now, outside its schedule.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, e)
}

// execute skips the run when the previous one is still going.
func (r *Runner) execute(ctx context.Context, e *entry) error {
	if !e.busy.TryLock() {
		r.log.Debug("job still running, skipped", logx.String("job", e.job.Name))
		return nil
	}
	defer e.busy.Unlock()

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return e.job.Run(ctx)
	}()

	r.mu.Lock()
	e.stats.Runs++
	e.stats.LastRun = start
	e.stats.LastErr = ""
	if err != nil {
		e.stats.Failures++
		e.stats.LastErr = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("job failed", logx.String("job", e.job.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
	} else {
		r.log.Debug("job done", logx.String("job", e.job.Name), logx.Duration("took", time.Since(start)))
	}
	return err
}

func (r *Runner) Stats() []JobStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStats, 0, len(r.jobs))
	for _, e := range r.jobs {
		st := e.stats
		st.Next = r.c.Entry(e.id).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// spreadFirst delays only the first run of an interval schedule.
type spreadFirst struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spreadSchedule(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	return &spreadFirst{base: base, first: now.Add(every + time.Duration(rng.Int63n(int64(spread))))}
}

// cronLogger adapts logx to cron's logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
