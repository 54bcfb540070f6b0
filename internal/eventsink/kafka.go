// Package eventsink forwards notification lifecycle events from the in-process bus to
// Kafka so other campus services can audit deliveries.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"campusnotify/internal/eventbus"
	logx "campusnotify/pkg/logx"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic      = "campus.notifications.events"
	defaultBuffer     = 256
	defaultBatchSize  = 100
	defaultBatchDelay = 500 * time.Millisecond
)

// Writer is the subset of *kafka.Writer the forwarder needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	// Types limits forwarding to these bus event types; empty forwards all.
	Types []string
	// Buffer is the bus subscription depth. Events beyond it are dropped by the bus.
	Buffer int
	// BatchSize and BatchDelay bound how long events wait before a write.
	BatchSize  int
	BatchDelay time.Duration
	// Topics maps an event type to a dedicated topic.
	Topics map[string]string
}

// Record is the wire form of one forwarded event.
type Record struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Forwarder struct {
	cfg Config
	w   Writer
	ch    <-chan eventbus.Event
	unsub func()
	log   logx.Logger

	sent    int
	dropped int
}

// NewKafkaWriter builds the production writer.
func NewKafkaWriter(brokers []string) (*kafka.Writer, error) {
	clean := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			clean = append(clean, b)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("kafka forwarder requires at least one broker")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(clean...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

func New(cfg Config, w Writer, bus eventbus.Bus, log logx.Logger) *Forwarder {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Subscribe now so events published before Run starts are buffered.
	ch, unsub := bus.Subscribe(cfg.Buffer, cfg.Types...)
	return &Forwarder{cfg: cfg, w: w, ch: ch, unsub: unsub, log: log.With(logx.String("comp", "eventsink"))}
}

// Run forwards events until ctx is done, then flushes what is buffered and closes the
// writer.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.unsub()
	defer func() {
		if err := f.w.Close(); err != nil {
			f.log.Warn("kafka writer close failed", logx.Err(err))
		}
	}()

	tick := time.NewTicker(f.cfg.BatchDelay)
	defer tick.Stop()

	batch := make([]kafka.Message, 0, f.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := f.w.WriteMessages(ctx, batch...); err != nil {
			f.dropped += len(batch)
			f.log.Warn("kafka write failed", logx.Int("events", len(batch)), logx.Err(err))
		} else {
			f.sent += len(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(fctx)
			cancel()
			f.log.Info("event forwarder stopped", logx.Int("sent", f.sent), logx.Int("dropped", f.dropped))
			return nil
		case ev, ok := <-f.ch:
			if !ok {
				flush(ctx)
				return nil
			}
			msg, err := f.encode(ev)
			if err != nil {
				f.dropped++
				f.log.Debug("event not encodable", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= f.cfg.BatchSize {
				flush(ctx)
			}
		case <-tick.C:
			flush(ctx)
		}
	}
}

func (f *Forwarder) encode(ev eventbus.Event) (kafka.Message, error) {
	rec := Record{Type: ev.Type, Time: ev.Time.UTC()}
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return kafka.Message{}, err
		}
		rec.Data = b
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	topic := f.cfg.Topic
	if t, ok := f.cfg.Topics[ev.Type]; ok && t != "" {
		topic = t
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey(ev)),
		Value: value,
		Time:  rec.Time,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil
}

// partitionKey keeps one user's events ordered on one partition.
func partitionKey(ev eventbus.Event) string {
	type userScoped interface{ EventUserID() string }
	if u, ok := ev.Data.(userScoped); ok {
		return u.EventUserID()
	}
	return ev.Type
}
