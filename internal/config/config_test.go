package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestChannelDecodesPairAndObject(t *testing.T) {
	chs, err := ParseChannels(`[["durov", 1006503122], {"handle":"@telegram","id":"42"}, ["solo"]]`)
	require.NoError(t, err)
	assert.Equal(t, []Channel{
		{Handle: "durov", ID: "1006503122"},
		{Handle: "@telegram", ID: "42"},
		{Handle: "solo"},
	}, chs)

	_, err = ParseChannels(`[["a", 1, 2]]`)
	assert.Error(t, err)
	_, err = ParseChannels(`[{"handle":"a","extra":true}]`)
	assert.Error(t, err)
	_, err = ParseChannels(`not json`)
	assert.Error(t, err)
}

func TestValidateDefaults(t *testing.T) {
	cfg := &Config{Relay: RelayConfig{
		BotToken:       "123:abc",
		TargetChannel:  "@target",
		SourceChannels: []Channel{{Handle: "@durov", ID: "1"}},
	}}
	s, err := Validate(cfg)
	require.NoError(t, err)

	assert.Equal(t, []Channel{{Handle: "durov", ID: "1"}}, s.Channels)
	assert.Equal(t, DefaultFetchTimeout, s.FetchTimeout)
	assert.Equal(t, DefaultCapacity, s.Capacity)
	assert.Equal(t, DefaultDeliveryDelay, s.DeliveryDelay)
	assert.Equal(t, DefaultDeliveryTimeout, s.DeliveryTimeout)
	assert.Equal(t, "HTML", s.ParseMode)
	assert.Equal(t, DefaultSchedule, s.Schedule)
	assert.Equal(t, DefaultRunTimeout, s.RunTimeout)
	assert.Equal(t, DefaultServerAddr, s.ServerAddr)
	assert.Equal(t, "file", s.StorageDriver)
	assert.Equal(t, DefaultStoragePath, s.StoragePath)
}

func TestValidateStorageDriver(t *testing.T) {
	base := func(st StorageConfig) *Config {
		return &Config{
			Relay:   RelayConfig{BotToken: "t", TargetChannel: "x", SourceChannels: []Channel{{Handle: "a"}}},
			Storage: st,
		}
	}
	s, err := Validate(base(StorageConfig{Driver: "mem"}))
	require.NoError(t, err)
	assert.Equal(t, "memory", s.StorageDriver)

	s, err = Validate(base(StorageConfig{Driver: "file"}))
	require.NoError(t, err)
	assert.Equal(t, DefaultStoragePath, s.StoragePath)

	s, err = Validate(base(StorageConfig{Path: "/var/lib/tgrelay"}))
	require.NoError(t, err)
	assert.Equal(t, "file", s.StorageDriver)
	assert.Equal(t, "/var/lib/tgrelay", s.StoragePath)

	_, err = Validate(base(StorageConfig{Driver: "sqlite"}))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateZeroDelayAllowed(t *testing.T) {
	cfg := &Config{
		Relay:    RelayConfig{BotToken: "t", TargetChannel: "x", SourceChannels: []Channel{{Handle: "a"}}},
		Delivery: DeliveryConfig{Delay: "0s", ParseMode: "none"},
	}
	s, err := Validate(cfg)
	require.NoError(t, err)
	assert.Zero(t, s.DeliveryDelay)
	assert.Empty(t, s.ParseMode)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := &Config{
		Relay: RelayConfig{SourceChannels: []Channel{{Handle: ""}, {Handle: "a"}, {Handle: "@a"}}},
		Feed:  FeedConfig{Timeout: "soon"},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"},
	}
	_, err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	msg := err.Error()
	for _, want := range []string{
		"relay.bot_token",
		"relay.target_channel",
		"source_channels[0]: handle is required",
		"duplicate handle",
		"feed.timeout",
		"storage.path is required",
		"scheduler.timezone",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateEmptyChannelList(t *testing.T) {
	_, err := Validate(&Config{Relay: RelayConfig{BotToken: "t", TargetChannel: "x"}})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "non-empty list")
}

func TestApplyEnvOverridesFile(t *testing.T) {
	cfg := &Config{Relay: RelayConfig{BotToken: "file", TargetChannel: "file"}}
	err := ApplyEnv(cfg, envMap(map[string]string{
		EnvBotToken:       "env-token",
		EnvSourceChannels: `[["durov", 1]]`,
		EnvLogLevel:       "debug",
		EnvStorageDriver:  "file",
		EnvStoragePath:    "/tmp/x",
		EnvHTTPAddr:       ":9999",
	}))
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Relay.BotToken)
	assert.Equal(t, "file", cfg.Relay.TargetChannel)
	assert.Equal(t, []Channel{{Handle: "durov", ID: "1"}}, cfg.Relay.SourceChannels)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, ":9999", cfg.Server.Addr)

	err = ApplyEnv(&Config{}, envMap(map[string]string{EnvSourceChannels: "durov"}))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestManagerParseYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yml := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(`
relay:
  target_channel: "@out"
  source_channels:
    - [durov, 1006503122]
    - {handle: telegram}
delivery:
  delay: 2s
`), 0o600))
	m := NewManager(yml)
	m.SetEnv(envMap(map[string]string{EnvBotToken: "123:abc"}))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Relay.BotToken)
	assert.Equal(t, "@out", cfg.Relay.TargetChannel)
	assert.Len(t, cfg.Relay.SourceChannels, 2)
	assert.Equal(t, "2s", cfg.Delivery.Delay)

	js := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(js, []byte(`{"relay":{"bot_token":"t"},"unknown":1}`), 0o600))
	_, err = NewManager(js).Parse()
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, os.WriteFile(js, []byte(`{"relay":{}}{"relay":{}}`), 0o600))
	_, err = NewManager(js).Parse()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestManagerEnvOnly(t *testing.T) {
	m := NewManager("")
	m.SetEnv(envMap(map[string]string{
		EnvBotToken:       "t",
		EnvTargetChannel:  "@out",
		EnvSourceChannels: `[["a","1"]]`,
	}))
	cfg, err := m.Load()
	require.NoError(t, err)
	_, err = Validate(cfg)
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
}

func TestLoadDotEnvKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("TGRELAY_TEST_A=from-file\nTGRELAY_TEST_B=from-file\n"), 0o600))
	t.Setenv("TGRELAY_TEST_A", "from-env")
	t.Setenv("TGRELAY_TEST_B", "")
	os.Unsetenv("TGRELAY_TEST_B")

	require.NoError(t, LoadDotEnv(p, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("TGRELAY_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("TGRELAY_TEST_B"))
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	write := func(s string) { require.NoError(t, os.WriteFile(p, []byte(s), 0o600)) }

	write(`{"relay":{"bot_token":"t","target_channel":"x","source_channels":[["a",1]]}}`)
	m := NewManager(p)
	m.SetEnv(envMap(nil))
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := Validate(cfg)
		return err
	})
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	assert.False(t, m.reload(ctx), "unchanged content is not republished")

	write(`{"relay":{"bot_token":"t","target_channel":"x","source_channels":[]}}`)
	assert.False(t, m.reload(ctx), "invalid config is rejected")
	assert.Len(t, m.Get().Relay.SourceChannels, 1)

	write(`{"relay":{"bot_token":"t","target_channel":"x","source_channels":[["a",1],["b",2]]}}`)
	require.True(t, m.reload(ctx))
	select {
	case got := <-ch:
		assert.Len(t, got.Relay.SourceChannels, 2)
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
}

func TestSummarizeChangeHidesTokens(t *testing.T) {
	oldCfg := &Config{Relay: RelayConfig{BotToken: "secret-1"}, Server: ServerConfig{Token: "a"}}
	newCfg := &Config{Relay: RelayConfig{BotToken: "secret-2"}, Server: ServerConfig{Token: "b"}, Dedup: DedupConfig{Capacity: 10}}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"dedup", "relay", "server"}, changed)
	assert.NotEmpty(t, attrs)
}
