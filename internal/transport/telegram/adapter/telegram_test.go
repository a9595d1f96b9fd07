package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

type fakeBotAPI struct {
	mu    sync.Mutex
	calls []map[string]any
	fail  bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	params := map[string]any{"_path": r.URL.Path}
	_ = json.Unmarshal(b, &params)
	f.mu.Lock()
	f.calls = append(f.calls, params)
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":-100123,"type":"channel"}}}`))
}

func newTestAdapter(t *testing.T, api http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Timeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestSendTextPostsSendMessage(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	ref, err := a.SendText(context.Background(), "@target", "<b>hi</b>", &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 42 || ref.Chat != "@target" {
		t.Fatalf("ref = %+v", ref)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(api.calls))
	}
	c := api.calls[0]
	if c["_path"] != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %v", c["_path"])
	}
	if c["chat_id"] != "@target" || c["text"] != "<b>hi</b>" || c["parse_mode"] != "HTML" {
		t.Fatalf("params = %v", c)
	}
}

func TestSendTextAPIError(t *testing.T) {
	a := newTestAdapter(t, &fakeBotAPI{fail: true})
	if _, err := a.SendText(context.Background(), "-100123", "hello", nil); err == nil {
		t.Fatal("expected error from failing API")
	}
}

func TestSendTextContextCancelled(t *testing.T) {
	block := make(chan struct{})
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := a.SendText(ctx, "@target", "hello", nil); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("SendText did not honor context deadline")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	long := strings.Repeat("word ", 30)
	parts := splitTelegramText(long, 40, "")
	if len(parts) < 4 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for _, p := range parts {
		if len([]rune(p)) > 40 {
			t.Fatalf("part too long: %q", p)
		}
		if strings.HasPrefix(p, " ") || strings.HasSuffix(p, " ") {
			t.Fatalf("part not trimmed: %q", p)
		}
	}

	html := strings.Repeat("a", 30) + "<b>bold</b>"
	parts = splitTelegramText(html, 32, "HTML")
	if parts[0] != strings.Repeat("a", 30) {
		t.Fatalf("split inside tag: %q", parts)
	}
}

func TestSplitTelegramTextKeepsEntitiesWhole(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 30) + "&amp;" + strings.Repeat("y", 30)
	parts := splitTelegramText(text, 32, "HTML")
	if len(parts) < 2 {
		t.Fatalf("expected a split, got %q", parts)
	}
	if parts[0] != strings.Repeat("x", 30) {
		t.Fatalf("first part = %q", parts[0])
	}
	if !strings.HasPrefix(parts[1], "&amp;") {
		t.Fatalf("entity split across parts: %q", parts)
	}
	if got := strings.Join(parts, ""); got != text {
		t.Fatalf("rejoined = %q", got)
	}

	// A closed entity before the cut does not move it.
	closed := strings.Repeat("x", 10) + "&lt;" + strings.Repeat("z", 40)
	parts = splitTelegramText(closed, 32, "HTML")
	if len([]rune(parts[0])) != 32 {
		t.Fatalf("first part = %q", parts[0])
	}
}
