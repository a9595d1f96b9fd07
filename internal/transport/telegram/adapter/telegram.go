package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

// Config configures the Telegram sender.
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (default https://api.telegram.org).
	APIURL string
	// Timeout bounds each HTTP call to the Bot API.
	Timeout time.Duration
}

// Adapter sends messages through the Telegram Bot API. It never polls for
// updates; the bot is created offline so construction does no network I/O.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ kit.Sender = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// chatRef addresses a chat by its raw identifier: a numeric id ("-100…") or a
// public "@username". The Bot API accepts both as chat_id.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

const telegramTextLimit = 4096

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags
// and entities when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		// Prefer a newline or space near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' || rs[i] == ' ' {
					end = i + 1
					break
				}
			}
		}

		// Don't split inside a tag or an entity for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			lastAmp, lastSemi := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				case '&':
					lastAmp = i
				case ';':
					lastSemi = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
			if lastAmp > lastSemi && lastAmp < end && lastAmp > start+1 {
				end = lastAmp
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n ")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && (rs[start] == '\n' || rs[start] == ' ') {
			start++
		}
	}
	return out
}

// SendText delivers text to the chat identified by to. Long texts are split
// into several messages; the reference of the first one is returned.
func (a *Adapter) SendText(ctx context.Context, to string, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return kit.MessageRef{}, errors.New("telegram destination is empty")
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		return kit.MessageRef{}, errors.New("telegram text is empty")
	}

	var first kit.MessageRef
	for i, chunk := range chunks {
		msg, err := a.send(ctx, chatRef(to), chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{Chat: to, MessageID: msg.ID}
		}
	}
	return first, nil
}

// send runs bot.Send, which has no context parameter, and gives up when ctx
// is done. The HTTP client timeout bounds the abandoned call.
func (a *Adapter) send(ctx context.Context, to tele.Recipient, text string, opt *tele.SendOptions) (*tele.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := a.bot.Send(to, text, opt)
		done <- result{m, err}
	}()
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
