// Package monitor runs the change-detection pipeline over every configured
// channel: fetch, extract, dedup, relay.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/feed"
	"tgrelay/internal/relay"
	logx "tgrelay/pkg/logx"
)

// ErrRunInProgress is returned by RunExclusive when another run is active.
var ErrRunInProgress = errors.New("run already in progress")

// ErrNotConfigured is recorded for channels processed before every stage is set.
var ErrNotConfigured = errors.New("pipeline not configured")

type Fetcher interface {
	Fetch(ctx context.Context, handle string) (string, error)
}

type Extractor interface {
	Parse(raw, handle string) feed.Page
}

type Deduper interface {
	NeedsSeed(ctx context.Context, handle string) (bool, error)
	Seed(ctx context.Context, handle string, snapshot []feed.Message) (int, error)
	FilterNew(ctx context.Context, handle string, messages []feed.Message) []feed.Message
}

type Deliverer interface {
	Deliver(ctx context.Context, messages []feed.Message) relay.Outcome
}

// Deps wires the pipeline stages. Bus may be nil.
type Deps struct {
	Fetcher   Fetcher
	Extractor Extractor
	Dedup     Deduper
	Relay     Deliverer
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Monitor struct {
	mu       sync.Mutex
	channels []config.Channel

	deps    Deps
	log     logx.Logger
	now     func() time.Time
	running atomic.Bool
}

func New(channels []config.Channel, deps Deps) *Monitor {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		channels: append([]config.Channel(nil), channels...),
		deps:     deps,
		log:      log.With(logx.String("comp", "monitor")),
		now:      time.Now,
	}
}

// SetChannels replaces the channel list used by subsequent runs.
func (m *Monitor) SetChannels(channels []config.Channel) {
	m.mu.Lock()
	m.channels = append([]config.Channel(nil), channels...)
	m.mu.Unlock()
}

// Reconfigure swaps the channel list and pipeline stages for subsequent
// runs. Nil stages in deps keep the current ones; a run in progress is not
// affected.
func (m *Monitor) Reconfigure(channels []config.Channel, deps Deps) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append([]config.Channel(nil), channels...)
	if deps.Fetcher != nil {
		m.deps.Fetcher = deps.Fetcher
	}
	if deps.Extractor != nil {
		m.deps.Extractor = deps.Extractor
	}
	if deps.Dedup != nil {
		m.deps.Dedup = deps.Dedup
	}
	if deps.Relay != nil {
		m.deps.Relay = deps.Relay
	}
}

// Ready reports whether every pipeline stage is set.
func (m *Monitor) Ready() bool {
	d := m.snapshot()
	return d.Fetcher != nil && d.Extractor != nil && d.Dedup != nil && d.Relay != nil
}

func (m *Monitor) snapshot() Deps {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps
}

func (m *Monitor) Channels() []config.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]config.Channel(nil), m.channels...)
}

// Running reports whether a run started by RunExclusive is active.
func (m *Monitor) Running() bool { return m.running.Load() }

// RunExclusive is Run guarded against overlapping runs within this process.
func (m *Monitor) RunExclusive(ctx context.Context) (Report, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer m.running.Store(false)
	return m.Run(ctx), nil
}

// Run processes every channel in order. A failing channel is recorded and
// never stops the remaining ones.
func (m *Monitor) Run(ctx context.Context) Report {
	channels := m.Channels()
	deps := m.snapshot()
	start := m.now()
	m.log.Info("run started", logx.Int("channels", len(channels)))

	results := make([]ChannelResult, 0, len(channels))
	for _, ch := range channels {
		res := m.processChannel(ctx, deps, ch)
		results = append(results, res)
		m.publish(deps.Bus, eventbus.ChannelCompleted, res)

		if res.Success {
			m.log.Info("channel done",
				logx.String("channel", res.Channel),
				logx.Int("total", res.TotalMessages),
				logx.Int("new", res.NewMessages),
				logx.Int("forwarded", res.ForwardedMessages),
				logx.Bool("seeded", res.Seeded),
			)
		} else {
			m.log.Warn("channel failed", logx.String("channel", res.Channel), logx.String("err", *res.Error))
		}
	}

	sum := Summarize(results)
	m.publish(deps.Bus, eventbus.RunCompleted, sum)
	m.log.Info("run completed",
		logx.Int("channels", sum.TotalChannels),
		logx.Int("ok", sum.SuccessCount),
		logx.Int("failed", sum.FailureCount),
		logx.Int("new", sum.TotalNewMessages),
		logx.Int("forwarded", sum.TotalForwardedMessages),
		logx.Duration("took", m.now().Sub(start)),
	)

	return Report{
		Status:    StatusCompleted,
		Timestamp: m.now().UTC(),
		Summary:   sum,
		Details:   results,
		Message:   "channel monitor run completed",
	}
}

func (m *Monitor) processChannel(ctx context.Context, deps Deps, ch config.Channel) (res ChannelResult) {
	start := m.now()
	res = ChannelResult{Channel: ch.Handle, ChannelID: ch.ID}
	log := m.log.With(logx.String("channel", ch.Handle))

	defer func() {
		if r := recover(); r != nil {
			res = ChannelResult{Channel: ch.Handle, ChannelID: ch.ID, Error: errString(fmt.Errorf("panic: %v", r))}
		}
		res.DurationMS = m.now().Sub(start).Milliseconds()
	}()

	fail := func(err error) ChannelResult {
		return ChannelResult{Channel: ch.Handle, ChannelID: ch.ID, Error: errString(err)}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Dedup == nil || deps.Relay == nil {
		return fail(ErrNotConfigured)
	}

	raw, err := deps.Fetcher.Fetch(ctx, ch.Handle)
	if err != nil {
		return fail(err)
	}
	page := deps.Extractor.Parse(raw, ch.Handle)
	res.Page = page.Kind.String()
	res.TotalMessages = len(page.Messages)
	log.Debug("feed extracted", logx.String("page", res.Page), logx.Int("messages", res.TotalMessages))

	needsSeed, err := deps.Dedup.NeedsSeed(ctx, ch.Handle)
	if err != nil {
		log.Warn("seen-set check failed", logx.Err(err))
	}
	if needsSeed {
		n, err := deps.Dedup.Seed(ctx, ch.Handle, page.Messages)
		if err == nil {
			log.Info("history initialized; nothing forwarded on first run", logx.Int("ids", n))
			res.Success = true
			res.Seeded = true
			return res
		}
		log.Warn("seen-set seed failed", logx.Err(err))
	}

	fresh := deps.Dedup.FilterNew(ctx, ch.Handle, page.Messages)
	res.NewMessages = len(fresh)
	if len(fresh) > 0 {
		out := deps.Relay.Deliver(ctx, fresh)
		res.ForwardedMessages = out.Forwarded
		res.DeliveryFailures = out.Failures
	}
	res.Success = true
	return res
}

func (m *Monitor) publish(bus eventbus.Bus, typ string, data any) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: data})
}
