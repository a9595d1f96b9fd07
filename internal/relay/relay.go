// Package relay delivers new feed messages to the destination chat, one at a
// time and spaced to stay under the destination's rate limit.
package relay

import (
	"context"
	"errors"
	"html"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgrelay/internal/feed"
	"tgrelay/internal/storage"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

const (
	DefaultDelay   = time.Second
	DefaultTimeout = 10 * time.Second
)

// Config controls delivery.
type Config struct {
	Target         string
	Delay          time.Duration // minimum spacing between attempts
	Timeout        time.Duration // per attempt
	ParseMode      string        // "HTML" (default) or "" for plain text
	DisablePreview bool
	ShowSource     bool // prefix each message with its source channel
}

// Failure is one message that could not be delivered.
type Failure struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// Outcome summarizes one Deliver call.
type Outcome struct {
	Attempted int
	Forwarded int
	Failures  []Failure
}

// Relay serializes deliveries through a Sender. One Relay is meant to be
// shared by every channel of a process so spacing holds across channels.
type Relay struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender kit.Sender
	audit  storage.Store
	log    logx.Logger
}

// New builds a Relay. audit may be nil.
func New(cfg Config, sender kit.Sender, audit storage.Store, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Relay{sender: sender, audit: audit, log: log}
	r.Apply(cfg)
	return r
}

// Apply swaps the delivery settings. Safe to call between runs.
func (r *Relay) Apply(cfg Config) {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.Delay > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.Delay), 1)
	}
	r.mu.Lock()
	r.cfg = cfg
	r.limiter = lim
	r.mu.Unlock()
}

func (r *Relay) settings() (Config, *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.limiter
}

// Deliver sends messages in order. A failed message is recorded and skipped;
// nothing is retried. Cancelling ctx stops before the next attempt.
func (r *Relay) Deliver(ctx context.Context, messages []feed.Message) Outcome {
	cfg, lim := r.settings()
	var out Outcome
	for i, m := range messages {
		if err := lim.Wait(ctx); err != nil {
			for _, rest := range messages[i:] {
				out.Failures = append(out.Failures, Failure{MessageID: rest.ID, Error: err.Error()})
			}
			r.log.Warn("delivery aborted", logx.Int("remaining", len(messages)-i), logx.Err(err))
			return out
		}

		out.Attempted++
		start := time.Now()
		err := r.send(ctx, cfg, m)
		took := time.Since(start)
		r.record(ctx, m, err, took)

		if err != nil {
			out.Failures = append(out.Failures, Failure{MessageID: m.ID, Error: err.Error()})
			r.log.Warn("delivery failed",
				logx.String("channel", m.Channel),
				logx.String("id", m.ID),
				logx.Duration("took", took),
				logx.Err(err),
			)
			continue
		}
		out.Forwarded++
		r.log.Info("message forwarded",
			logx.String("channel", m.Channel),
			logx.String("id", m.ID),
			logx.String("preview", preview(m.Text, 60)),
		)
	}
	return out
}

func (r *Relay) send(ctx context.Context, cfg Config, m feed.Message) error {
	if r.sender == nil {
		return errors.New("no sender configured")
	}
	if strings.TrimSpace(cfg.Target) == "" {
		return errors.New("no delivery target configured")
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	_, err := r.sender.SendText(sctx, cfg.Target, Render(m, cfg.ParseMode, cfg.ShowSource), &kit.SendOptions{
		ParseMode:      cfg.ParseMode,
		DisablePreview: cfg.DisablePreview,
	})
	return err
}

func (r *Relay) record(ctx context.Context, m feed.Message, err error, took time.Duration) {
	if r.audit == nil {
		return
	}
	e := storage.DeliveryEntry{
		At:        time.Now(),
		Channel:   m.Channel,
		MessageID: m.ID,
		OK:        err == nil,
		TookMS:    took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := r.audit.AppendDelivery(context.WithoutCancel(ctx), e); aerr != nil {
		r.log.Debug("delivery log append failed", logx.Err(aerr))
	}
}

// Render formats a message for the given parse mode. Text is escaped for
// HTML so decoded entities from the feed cannot break the markup.
func Render(m feed.Message, parseMode string, showSource bool) string {
	isHTML := strings.EqualFold(parseMode, "HTML")
	text := m.Text
	if isHTML {
		text = html.EscapeString(text)
	}
	if !showSource || m.Channel == "" {
		return text
	}
	if isHTML {
		return "<b>" + html.EscapeString(m.Channel) + "</b>\n" + text
	}
	return m.Channel + "\n" + text
}

func preview(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}
