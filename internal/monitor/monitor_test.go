package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/feed"
	"tgrelay/internal/relay"
	"tgrelay/internal/seen"
	"tgrelay/internal/storage"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

func page(handle string, seqs ...int) string {
	var b strings.Builder
	b.WriteString(`<html><body><section class="tgme_channel_history">`)
	for _, n := range seqs {
		fmt.Fprintf(&b, `<div class="tgme_widget_message js-widget_message" data-post="%s/%d">`+
			`<div class="tgme_widget_message_text js-message_text">post %d</div></div>`, handle, n, n)
	}
	b.WriteString(`</section></body></html>`)
	return b.String()
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	panic map[string]bool
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, handle)
	if f.panic[handle] {
		panic("boom")
	}
	if err := f.errs[handle]; err != nil {
		return "", err
	}
	return f.pages[handle], nil
}

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  map[int]error
	calls int
}

func (s *fakeSender) SendText(_ context.Context, to, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.fail[s.calls]; err != nil {
		return kit.MessageRef{}, err
	}
	s.texts = append(s.texts, text)
	return kit.MessageRef{Chat: to, MessageID: s.calls}, nil
}

type harness struct {
	mon     *Monitor
	fetch   *fakeFetcher
	sender  *fakeSender
	backend *storage.Memory
	seen    *seen.Store
	bus     eventbus.Bus
}

func newHarness(t *testing.T, capacity int, channels ...config.Channel) *harness {
	t.Helper()
	h := &harness{
		fetch:   &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}, panic: map[string]bool{}},
		sender:  &fakeSender{fail: map[int]error{}},
		backend: storage.NewMemory(),
		bus:     eventbus.New(),
	}
	log := logx.Nop()
	h.seen = seen.New(h.backend, capacity, log)
	rel := relay.New(relay.Config{Target: "@out", Delay: 0, Timeout: time.Second}, h.sender, h.backend, log)
	h.mon = New(channels, Deps{
		Fetcher:   h.fetch,
		Extractor: feed.NewExtractor(log),
		Dedup:     h.seen,
		Relay:     rel,
		Bus:       h.bus,
		Log:       log,
	})
	return h
}

func (h *harness) putSeen(t *testing.T, handle string, ids ...string) {
	t.Helper()
	b, err := json.Marshal(ids)
	require.NoError(t, err)
	require.NoError(t, h.backend.PutRecord(context.Background(), seen.Key(handle), b))
}

func TestFirstRunSeedsWithoutDelivering(t *testing.T) {
	h := newHarness(t, 3, config.Channel{Handle: "c", ID: "1"})
	h.fetch.pages["c"] = page("c", 1, 2, 3, 4, 5)

	rep := h.mon.Run(context.Background())
	require.Len(t, rep.Details, 1)
	res := rep.Details[0]
	assert.True(t, res.Success)
	assert.True(t, res.Seeded)
	assert.Equal(t, 5, res.TotalMessages)
	assert.Zero(t, res.NewMessages)
	assert.Zero(t, res.ForwardedMessages)
	assert.Zero(t, h.sender.calls)

	ids, err := h.seen.Seen(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c/3", "c/4", "c/5"}, ids)

	// Second run sees nothing new.
	rep = h.mon.Run(context.Background())
	assert.False(t, rep.Details[0].Seeded)
	assert.Zero(t, rep.Details[0].NewMessages)
	assert.Zero(t, h.sender.calls)
}

func TestNewMessagesAreDeliveredAndSeenSetTruncated(t *testing.T) {
	h := newHarness(t, 3, config.Channel{Handle: "c", ID: "7"})
	h.putSeen(t, "c", "c/1", "c/2")
	h.fetch.pages["c"] = page("c", 1, 2, 3, 4)

	rep := h.mon.Run(context.Background())
	res := rep.Details[0]
	assert.True(t, res.Success)
	assert.Equal(t, "7", res.ChannelID)
	assert.Equal(t, 4, res.TotalMessages)
	assert.Equal(t, 2, res.NewMessages)
	assert.Equal(t, 2, res.ForwardedMessages)
	assert.Nil(t, res.Error)
	assert.Equal(t, []string{"post 3", "post 4"}, h.sender.texts)

	ids, err := h.seen.Seen(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c/2", "c/3", "c/4"}, ids)

	assert.Len(t, h.backend.Deliveries(), 2)
}

func TestFetchFailureIsIsolated(t *testing.T) {
	h := newHarness(t, 50,
		config.Channel{Handle: "slow"},
		config.Channel{Handle: "ok"},
	)
	h.fetch.errs["slow"] = &feed.FetchError{Handle: "slow", Err: feed.ErrFetchTimeout}
	h.putSeen(t, "ok", "ok/1")
	h.fetch.pages["ok"] = page("ok", 1, 2)

	rep := h.mon.Run(context.Background())
	require.Len(t, rep.Details, 2)

	slow := rep.Details[0]
	assert.False(t, slow.Success)
	assert.Zero(t, slow.NewMessages)
	assert.Zero(t, slow.ForwardedMessages)
	require.NotNil(t, slow.Error)
	assert.Contains(t, *slow.Error, "timed out")

	ok := rep.Details[1]
	assert.True(t, ok.Success)
	assert.Equal(t, 1, ok.ForwardedMessages)

	assert.Equal(t, Summary{
		TotalChannels:          2,
		SuccessCount:           1,
		FailureCount:           1,
		TotalNewMessages:       1,
		TotalForwardedMessages: 1,
	}, rep.Summary)
	assert.Equal(t, StatusCompleted, rep.Status)
}

func TestPartialDeliveryFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 50, config.Channel{Handle: "c"})
	h.putSeen(t, "c", "c/1")
	h.fetch.pages["c"] = page("c", 1, 2, 3)
	h.sender.fail[1] = errors.New("Bad Request: chat not found")

	rep := h.mon.Run(context.Background())
	res := rep.Details[0]
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.NewMessages)
	assert.Equal(t, 1, res.ForwardedMessages)
	require.Len(t, res.DeliveryFailures, 1)
	assert.Equal(t, "c/2", res.DeliveryFailures[0].MessageID)
	assert.Equal(t, 2, h.sender.calls)

	// The failed id is already recorded as seen; the next run does not resend it.
	rep = h.mon.Run(context.Background())
	assert.Zero(t, rep.Details[0].NewMessages)
	assert.Equal(t, 2, h.sender.calls)
}

func TestPanicInOneChannelIsContained(t *testing.T) {
	h := newHarness(t, 50, config.Channel{Handle: "bad"}, config.Channel{Handle: "good"})
	h.fetch.panic["bad"] = true
	h.fetch.pages["good"] = page("good", 1)

	rep := h.mon.Run(context.Background())
	require.Len(t, rep.Details, 2)
	assert.False(t, rep.Details[0].Success)
	require.NotNil(t, rep.Details[0].Error)
	assert.Contains(t, *rep.Details[0].Error, "panic")
	assert.True(t, rep.Details[1].Success)
}

func TestUnavailablePageSucceedsEmpty(t *testing.T) {
	h := newHarness(t, 50, config.Channel{Handle: "gone"})
	h.fetch.pages["gone"] = `<html><body><div class="tgme_page"><div class="tgme_page_title">Gone</div></div></body></html>`

	rep := h.mon.Run(context.Background())
	res := rep.Details[0]
	assert.True(t, res.Success)
	assert.Equal(t, feed.PageUnavailable.String(), res.Page)
	assert.Zero(t, res.TotalMessages)
}

func TestRunPublishesEvents(t *testing.T) {
	h := newHarness(t, 50, config.Channel{Handle: "a"}, config.Channel{Handle: "b"})
	h.fetch.pages["a"] = page("a", 1)
	h.fetch.pages["b"] = page("b", 1)
	events, unsub := h.bus.Subscribe(8)
	defer unsub()

	h.mon.Run(context.Background())

	var types []string
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
			if e.Type == eventbus.RunCompleted {
				sum, ok := e.Data.(Summary)
				require.True(t, ok)
				assert.Equal(t, 2, sum.TotalChannels)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.ChannelCompleted, eventbus.ChannelCompleted, eventbus.RunCompleted}, types)
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, _ string) (string, error) {
	close(b.started)
	select {
	case <-b.release:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestRunExclusiveRejectsOverlap(t *testing.T) {
	bf := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	mon := New([]config.Channel{{Handle: "c"}}, Deps{
		Fetcher:   bf,
		Extractor: feed.NewExtractor(logx.Nop()),
		Dedup:     seen.New(storage.NewMemory(), 0, logx.Nop()),
		Relay:     relay.New(relay.Config{}, &fakeSender{}, nil, logx.Nop()),
	})

	done := make(chan Report, 1)
	go func() {
		rep, err := mon.RunExclusive(context.Background())
		assert.NoError(t, err)
		done <- rep
	}()
	<-bf.started
	assert.True(t, mon.Running())

	_, err := mon.RunExclusive(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(bf.release)
	rep := <-done
	assert.Len(t, rep.Details, 1)
	assert.False(t, mon.Running())
}

func TestCancelledRunMarksRemainingChannels(t *testing.T) {
	h := newHarness(t, 50, config.Channel{Handle: "a"}, config.Channel{Handle: "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.mon.Run(ctx)
	require.Len(t, rep.Details, 2)
	for _, d := range rep.Details {
		assert.False(t, d.Success)
	}
	assert.Empty(t, h.fetch.calls)
}

func TestReportJSONShape(t *testing.T) {
	rep := Report{
		Status:    StatusCompleted,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Details:   []ChannelResult{{Channel: "c", Success: true}},
		Message:   "ok",
	}
	b, err := json.Marshal(rep)
	require.NoError(t, err)
	s := string(b)
	for _, key := range []string{`"status":"completed"`, `"summary":`, `"details":`, `"channelId":""`, `"error":null`, `"totalMessages":0`} {
		assert.Contains(t, s, key)
	}

	eb, err := json.Marshal(NewErrorReport(500, "bad config", rep.Timestamp))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error","timestamp":"2024-01-02T03:04:05Z","error":"bad config","statusCode":500}`, string(eb))
}

func TestReconfigureSwapsChannelsAndStages(t *testing.T) {
	mon := New(nil, Deps{Log: logx.Nop()})
	assert.False(t, mon.Ready())

	mon.SetChannels([]config.Channel{{Handle: "c"}})
	rep := mon.Run(context.Background())
	require.Len(t, rep.Details, 1)
	require.NotNil(t, rep.Details[0].Error)
	assert.Contains(t, *rep.Details[0].Error, ErrNotConfigured.Error())

	f := &fakeFetcher{pages: map[string]string{"d": page("d", 1)}}
	mon.Reconfigure([]config.Channel{{Handle: "d", ID: "9"}}, Deps{
		Fetcher:   f,
		Extractor: feed.NewExtractor(logx.Nop()),
		Dedup:     seen.New(storage.NewMemory(), 0, logx.Nop()),
		Relay:     relay.New(relay.Config{}, &fakeSender{}, nil, logx.Nop()),
	})
	assert.True(t, mon.Ready())
	assert.Equal(t, []config.Channel{{Handle: "d", ID: "9"}}, mon.Channels())

	rep = mon.Run(context.Background())
	require.Len(t, rep.Details, 1)
	assert.True(t, rep.Details[0].Success)
	assert.True(t, rep.Details[0].Seeded)
	assert.Equal(t, []string{"d"}, f.calls)
}
