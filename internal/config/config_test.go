package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"campusnotify/internal/policy"
	kit "campusnotify/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: ":9090"
  allowed_origins: ["https://portal.example.edu"]
storage:
  driver: sqlite
  path: ./notifyd.db
timezone: America/Bogota
categories:
  - id: academic
    priority: high
    respects_quiet_hours: true
  - id: system
    priority: critical
    requires_interaction: true
    vibration_pattern: [500, 200, 500]
dispatch:
  rate_limit_max: 50
  rate_limit_window: 30s
offline:
  max_attempts: 3
  retry_base: 10s
sender:
  webhook:
    timeout: 5s
    headers:
      Authorization: Bearer x
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "notifyd.yaml", sampleYAML)
	m := NewManager(p, Env{})

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "America/Bogota", cfg.Timezone)
	require.Len(t, cfg.Categories, 2)
	assert.Equal(t, kit.PriorityHigh, cfg.Categories[0].Priority)
	assert.Equal(t, kit.PriorityCritical, cfg.Categories[1].Priority)
	assert.Equal(t, []int{500, 200, 500}, cfg.Categories[1].VibrationPattern)
	assert.Equal(t, 50, cfg.Dispatch.RateLimitMax)
	assert.Equal(t, 3, cfg.Offline.MaxAttempts)
	assert.Equal(t, "Bearer x", cfg.Sender.Webhook.Headers["Authorization"])
}

func TestLoadRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()

	_, err := NewManager(writeFile(t, dir, "a.json", `{"logging":{"level":"info"},"pprof":{}}`), Env{}).Load()
	assert.Error(t, err)

	_, err = NewManager(writeFile(t, dir, "b.yaml", "dispatch:\n  workers: 3\n"), Env{}).Load()
	assert.Error(t, err)

	_, err = NewManager(writeFile(t, dir, "c.json", `{"timezone":"UTC"}{"timezone":"UTC"}`), Env{}).Load()
	assert.ErrorContains(t, err, "trailing data")
}

func TestEmptyYAMLAndNoPath(t *testing.T) {
	cfg, err := NewManager(writeFile(t, t.TempDir(), "empty.yaml", ""), Env{}).Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Storage)

	cfg, err = NewManager("", Env{HTTPAddr: ":7070"}).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Timezone:   "Mars/Olympus",
		Categories: []policy.CategoryPolicy{{ID: "a"}, {ID: "a"}},
		Dispatch:   DispatchConfig{RateLimitWindow: "soon", BatchSize: -1},
		Storage:    &StorageConfig{Driver: "redis"},
		Kafka:      &KafkaConfig{},
		Adaptive:   AdaptiveConfig{LowEngagementThreshold: 1.5},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"timezone",
		"duplicate category",
		"dispatch.rate_limit_window",
		"dispatch.batch_size",
		"storage.url is required",
		"kafka.brokers",
		"low_engagement_threshold",
	} {
		assert.ErrorContains(t, err, want)
	}

	assert.NoError(t, Validate(&Config{}))
	assert.Error(t, Validate(&Config{Storage: &StorageConfig{Driver: "sqlite"}}))
	assert.Error(t, Validate(&Config{Storage: &StorageConfig{Driver: "floppy"}}))
	assert.Error(t, Validate(nil))
}

func TestEnvOverlay(t *testing.T) {
	cfg := &Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Storage: &StorageConfig{Driver: "postgres"},
	}
	Env{
		HTTPAddr:      ":9000",
		JWTSecret:     "s3cret",
		PostgresURL:   "postgres://u:p@db/notify",
		RedisURL:      "redis://ignored",
		TelegramToken: "123:abc",
		KafkaBrokers:  []string{" kafka-1:9092 ", ""},
	}.Apply(cfg)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
	assert.Equal(t, "postgres://u:p@db/notify", cfg.Storage.URL)
	require.NotNil(t, cfg.Sender.Telegram)
	assert.Equal(t, "123:abc", cfg.Sender.Telegram.Token)
	require.NotNil(t, cfg.Kafka)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Kafka.Brokers)

	// Empty overlay leaves the file values alone.
	before := *cfg
	Env{}.Apply(cfg)
	assert.Equal(t, before, *cfg)
}

func TestLoadEnvFromDotenv(t *testing.T) {
	// dotenv writes into the process environment; undo that for other tests.
	t.Cleanup(func() {
		_ = os.Unsetenv("NOTIFYD_KAFKA_BROKERS")
		_ = os.Unsetenv("NOTIFYD_STORAGE_DRIVER")
	})
	t.Setenv("NOTIFYD_HTTP_ADDR", ":9999")

	p := writeFile(t, t.TempDir(), ".env",
		"NOTIFYD_HTTP_ADDR=:1111\nNOTIFYD_KAFKA_BROKERS=a:9092,b:9092\nNOTIFYD_STORAGE_DRIVER=file\n")
	e, err := LoadEnv(p)
	require.NoError(t, err)

	assert.Equal(t, ":9999", e.HTTPAddr, "process environment wins over dotenv")
	assert.Equal(t, []string{"a:9092", "b:9092"}, e.KafkaBrokers)
	assert.Equal(t, "file", e.StorageDriver)

	_, err = LoadEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestSummarizeChange(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}, HTTP: HTTPConfig{JWTSecret: "a"}}
	cur := &Config{
		Logging:    LoggingConfig{Level: "debug"},
		HTTP:       HTTPConfig{JWTSecret: "b"},
		Categories: []policy.CategoryPolicy{{ID: "x", Priority: kit.PriorityLow}},
		Offline:    OfflineConfig{MaxAttempts: 2},
	}
	sections, attrs := SummarizeChange(old, cur)
	assert.Equal(t, []string{"categories", "http", "logging", "offline"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"http", "offline"}, RestartRequired(sections))

	sections, _ = SummarizeChange(cur, cur)
	assert.Empty(t, sections)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "notifyd.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p, Env{})
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "unchanged content is not republished")

	writeFile(t, dir, "notifyd.json", `{"timezone":"Nowhere/Land"}`)
	ok, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "info", m.Get().Logging.Level, "rejected config is not committed")

	rejected := true
	m.SetValidator(func(context.Context, *Config) error {
		if rejected {
			return assert.AnError
		}
		return nil
	})
	writeFile(t, dir, "notifyd.json", `{"logging":{"level":"debug"}}`)
	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, assert.AnError)

	rejected = false
	ok, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case cfg := <-sub:
		assert.Equal(t, "debug", cfg.Logging.Level)
	default:
		t.Fatal("no config published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("", Env{})
	sub := m.Subscribe(1)
	a, b := &Config{Timezone: "a"}, &Config{Timezone: "b"}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
	m.Unsubscribe(sub)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "notifyd.yaml", "logging:\n  level: info\n")
	m := NewManager(p, Env{})
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	var got *Config
	require.Eventually(t, func() bool {
		writeFile(t, dir, "notifyd.yaml", "logging:\n  level: warn\n")
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	}, 5*time.Second, 300*time.Millisecond)
	assert.Equal(t, "warn", got.Logging.Level)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
