package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tgrelay/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log
// fields describing the new values. Tokens are only reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	o, n := oldCfg.Relay, newCfg.Relay
	if o.BotToken != n.BotToken || o.TargetChannel != n.TargetChannel || !reflect.DeepEqual(o.SourceChannels, n.SourceChannels) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.token_changed", o.BotToken != n.BotToken),
			logx.String("relay.target", strings.TrimSpace(n.TargetChannel)),
			logx.Int("relay.channels", len(n.SourceChannels)),
		)
	}
	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.base_url", newCfg.Feed.BaseURL),
			logx.String("feed.timeout", newCfg.Feed.Timeout),
		)
	}
	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs, logx.Int("dedup.capacity", newCfg.Dedup.Capacity))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.delay", newCfg.Delivery.Delay),
			logx.String("delivery.timeout", newCfg.Delivery.Timeout),
			logx.String("delivery.parse_mode", newCfg.Delivery.ParseMode),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		// Storage is opened once; a change only takes effect after restart.
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
