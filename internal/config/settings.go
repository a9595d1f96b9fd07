package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid wraps every configuration problem; a run never starts with it.
var ErrInvalid = errors.New("invalid config")

// Defaults for the tunables.
const (
	DefaultFetchTimeout    = 5 * time.Second
	DefaultCapacity        = 50
	DefaultDeliveryDelay   = time.Second
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultParseMode       = "HTML"
	DefaultSchedule        = "*/5 * * * *"
	DefaultRunTimeout      = 10 * time.Minute
	DefaultServerAddr      = "127.0.0.1:8080"
	DefaultStorageDriver   = "file"
	DefaultStoragePath     = "./data"
)

// Environment variables read by ApplyEnv.
const (
	EnvBotToken       = "BOT_TOKEN"
	EnvTargetChannel  = "TARGET_CHANNEL"
	EnvSourceChannels = "SOURCE_CHANNELS"
	EnvLogLevel       = "LOG_LEVEL"
	EnvStorageDriver  = "STORAGE_DRIVER"
	EnvStoragePath    = "STORAGE_PATH"
	EnvHTTPAddr       = "HTTP_ADDR"
)

// Settings is a validated Config with typed values and defaults applied.
type Settings struct {
	BotToken string
	Target   string
	Channels []Channel

	FeedBaseURL    string
	UserAgent      string
	AcceptLanguage string
	FetchTimeout   time.Duration

	Capacity int

	DeliveryDelay   time.Duration
	DeliveryTimeout time.Duration
	ParseMode       string
	DisablePreview  bool
	ShowSource      bool
	APIURL          string

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration

	SchedulerEnabled bool
	Schedule         string
	RunTimeout       time.Duration
	Timezone         string
	RunOnStart       bool

	ServerAddr  string
	ServerToken string
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// the config file.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvBotToken)); v != "" {
		cfg.Relay.BotToken = v
	}
	if v := strings.TrimSpace(getenv(EnvTargetChannel)); v != "" {
		cfg.Relay.TargetChannel = v
	}
	if v := strings.TrimSpace(getenv(EnvSourceChannels)); v != "" {
		chs, err := ParseChannels(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvSourceChannels, err)
		}
		cfg.Relay.SourceChannels = chs
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvStorageDriver)); v != "" {
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(getenv(EnvStoragePath)); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(getenv(EnvHTTPAddr)); v != "" {
		cfg.Server.Addr = v
	}
	return nil
}

// Validate checks cfg and resolves Settings. All problems are reported at
// once in an error wrapping ErrInvalid.
func Validate(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var problems []string
	bad := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			bad("%v", err)
			return def
		}
		return d
	}

	s := Settings{
		BotToken:       strings.TrimSpace(cfg.Relay.BotToken),
		Target:         strings.TrimSpace(cfg.Relay.TargetChannel),
		FeedBaseURL:    strings.TrimSpace(cfg.Feed.BaseURL),
		UserAgent:      strings.TrimSpace(cfg.Feed.UserAgent),
		AcceptLanguage: strings.TrimSpace(cfg.Feed.AcceptLanguage),
		Capacity:       cfg.Dedup.Capacity,
		ParseMode:      strings.TrimSpace(cfg.Delivery.ParseMode),
		DisablePreview: cfg.Delivery.DisablePreview,
		ShowSource:     cfg.Delivery.ShowSource,
		APIURL:         strings.TrimSpace(cfg.Delivery.APIURL),
		StorageDriver:  strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		StoragePath:    strings.TrimSpace(cfg.Storage.Path),

		SchedulerEnabled: cfg.Scheduler.Enabled,
		Schedule:         strings.TrimSpace(cfg.Scheduler.Schedule),
		Timezone:         strings.TrimSpace(cfg.Scheduler.Timezone),
		RunOnStart:       cfg.Scheduler.RunOnStart,
		ServerAddr:       strings.TrimSpace(cfg.Server.Addr),
		ServerToken:      strings.TrimSpace(cfg.Server.Token),
	}

	if s.BotToken == "" {
		bad("relay.bot_token (%s) is required", EnvBotToken)
	}
	if s.Target == "" {
		bad("relay.target_channel (%s) is required", EnvTargetChannel)
	}
	if len(cfg.Relay.SourceChannels) == 0 {
		bad("relay.source_channels (%s) must be a non-empty list", EnvSourceChannels)
	}
	seen := map[string]bool{}
	for i, ch := range cfg.Relay.SourceChannels {
		h := strings.TrimPrefix(strings.TrimSpace(ch.Handle), "@")
		switch {
		case h == "":
			bad("relay.source_channels[%d]: handle is required", i)
			continue
		case strings.ContainsAny(h, "/ ?#"):
			bad("relay.source_channels[%d]: invalid handle %q", i, ch.Handle)
			continue
		case seen[h]:
			bad("relay.source_channels[%d]: duplicate handle %q", i, h)
			continue
		}
		seen[h] = true
		s.Channels = append(s.Channels, Channel{Handle: h, ID: strings.TrimSpace(ch.ID)})
	}

	s.FetchTimeout = dur("feed.timeout", cfg.Feed.Timeout, DefaultFetchTimeout)
	if s.Capacity < 0 {
		bad("dedup.capacity must be >= 0")
	}
	if s.Capacity <= 0 {
		s.Capacity = DefaultCapacity
	}
	if strings.TrimSpace(cfg.Delivery.Delay) == "" {
		s.DeliveryDelay = DefaultDeliveryDelay
	} else if d, err := ParseDurationField("delivery.delay", cfg.Delivery.Delay); err != nil {
		bad("%v", err)
	} else {
		// "0s" disables spacing.
		s.DeliveryDelay = d
	}
	s.DeliveryTimeout = dur("delivery.timeout", cfg.Delivery.Timeout, DefaultDeliveryTimeout)
	switch strings.ToLower(s.ParseMode) {
	case "":
		s.ParseMode = DefaultParseMode
	case "html":
		s.ParseMode = "HTML"
	case "none", "plain", "text":
		s.ParseMode = ""
	default:
		bad("delivery.parse_mode: unsupported %q (use HTML or none)", cfg.Delivery.ParseMode)
	}

	switch s.StorageDriver {
	case "":
		s.StorageDriver = DefaultStorageDriver
		if s.StoragePath == "" {
			s.StoragePath = DefaultStoragePath
		}
	case "memory", "mem":
		s.StorageDriver = "memory"
	case "file":
		if s.StoragePath == "" {
			s.StoragePath = DefaultStoragePath
		}
	case "sqlite", "sqlite3":
		if s.StoragePath == "" {
			bad("storage.path is required for driver %q", s.StorageDriver)
		}
	default:
		bad("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	s.StorageBusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)

	if s.Schedule == "" {
		s.Schedule = DefaultSchedule
	}
	s.RunTimeout = dur("scheduler.run_timeout", cfg.Scheduler.RunTimeout, DefaultRunTimeout)
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			bad("scheduler.timezone: %v", err)
		}
	}
	if s.ServerAddr == "" {
		s.ServerAddr = DefaultServerAddr
	}

	if len(problems) > 0 {
		return Settings{}, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return s, nil
}
