package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	Relay    RelayConfig    `json:"relay"`
	Feed     FeedConfig     `json:"feed,omitempty"`
	Dedup    DedupConfig    `json:"dedup,omitempty"`
	Delivery DeliveryConfig `json:"delivery,omitempty"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler triggers periodic runs in serve mode.
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Server    ServerConfig    `json:"server,omitempty"`
}

// RelayConfig holds the required inputs. Each can also come from the
// environment (BOT_TOKEN, TARGET_CHANNEL, SOURCE_CHANNELS).
type RelayConfig struct {
	BotToken       string    `json:"bot_token,omitempty"`
	TargetChannel  string    `json:"target_channel,omitempty"`
	SourceChannels []Channel `json:"source_channels,omitempty"`
}

// FeedConfig controls feed fetching.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type FeedConfig struct {
	BaseURL        string `json:"base_url,omitempty"`        // default: "https://t.me/s/"
	Timeout        string `json:"timeout,omitempty"`         // default: "5s"
	UserAgent      string `json:"user_agent,omitempty"`      // default: desktop Chrome
	AcceptLanguage string `json:"accept_language,omitempty"` // default: "zh-CN,zh;q=0.9,en;q=0.8"
}

type DedupConfig struct {
	// Capacity is the number of message ids remembered per channel (default 50).
	Capacity int `json:"capacity,omitempty"`
}

// DeliveryConfig controls the relay.
//
// Defaults (when fields are omitted/zero):
//   - delay: "1s"
//   - timeout: "10s"
//   - parse_mode: "HTML"
type DeliveryConfig struct {
	Delay          string `json:"delay,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	ShowSource     bool   `json:"show_source,omitempty"`
	// APIURL overrides the Telegram Bot API endpoint.
	APIURL string `json:"api_url,omitempty"`
}

// StorageConfig controls where seen-sets are persisted.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tgrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file (default) | sqlite | memory
	Path        string `json:"path,omitempty"`   // default for file: "./data"
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the periodic trigger.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression ("*/5 * * * *", "@every 2m") or an
	// interval ("5m", "00:05").
	Schedule string `json:"schedule,omitempty"`
	// RunTimeout bounds one scheduled run (default 10m).
	RunTimeout string `json:"run_timeout,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	// RunOnStart triggers one run right after startup.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// ServerConfig controls the HTTP trigger endpoint.
type ServerConfig struct {
	Addr  string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token string `json:"token,omitempty"` // optional bearer token (do not log)
}

// Channel identifies a source feed: its public handle and an opaque id.
//
// It decodes from either ["handle", 123] or {"handle": "...", "id": "..."}.
type Channel struct {
	Handle string `json:"handle"`
	ID     string `json:"id,omitempty"`
}

func (c *Channel) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) == 0 || len(pair) > 2 {
			return fmt.Errorf("channel pair must have 1 or 2 elements, got %d", len(pair))
		}
		handle, err := scalarString(pair[0])
		if err != nil {
			return fmt.Errorf("channel handle: %w", err)
		}
		var id string
		if len(pair) == 2 {
			if id, err = scalarString(pair[1]); err != nil {
				return fmt.Errorf("channel id: %w", err)
			}
		}
		*c = Channel{Handle: handle, ID: id}
		return nil
	}

	type tmp struct {
		Handle string          `json:"handle"`
		ID     json.RawMessage `json:"id,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	var id string
	if len(t.ID) > 0 {
		var err error
		if id, err = scalarString(t.ID); err != nil {
			return fmt.Errorf("channel id: %w", err)
		}
	}
	*c = Channel{Handle: t.Handle, ID: id}
	return nil
}

// scalarString accepts a JSON string, number or null.
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("want string or number, got %s", raw)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}

// ParseChannels decodes a SOURCE_CHANNELS value.
func ParseChannels(raw string) ([]Channel, error) {
	var out []Channel
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
