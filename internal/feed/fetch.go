package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

const (
	DefaultBaseURL        = "https://t.me/s/"
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultAcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"
	DefaultTimeout        = 5 * time.Second

	maxBodyBytes = 4 << 20
)

// ErrFetchTimeout is returned (wrapped) when a feed request exceeds its timeout.
var ErrFetchTimeout = errors.New("feed fetch timed out")

// FetchError describes a failed feed request that was not a timeout.
type FetchError struct {
	Handle     string
	URL        string
	StatusCode int // 0 for transport failures
	Status     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http %s", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetcherConfig controls feed requests. Zero values fall back to defaults.
type FetcherConfig struct {
	BaseURL        string
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
}

// Fetcher retrieves the public rendered feed of a channel.
type Fetcher struct {
	cfg    FetcherConfig
	client *http.Client
}

// NewFetcher builds a Fetcher. A nil client uses a dedicated http.Client
// with the default redirect policy.
func NewFetcher(cfg FetcherConfig, client *http.Client) *Fetcher {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if strings.TrimSpace(cfg.AcceptLanguage) == "" {
		cfg.AcceptLanguage = DefaultAcceptLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{cfg: cfg, client: client}
}

// URL returns the feed URL for handle.
func (f *Fetcher) URL(handle string) string {
	return f.cfg.BaseURL + url.PathEscape(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Fetch returns the raw feed markup for handle using the configured timeout.
func (f *Fetcher) Fetch(ctx context.Context, handle string) (string, error) {
	return f.FetchTimeout(ctx, handle, f.cfg.Timeout)
}

// FetchTimeout returns the raw feed markup for handle, aborting the request
// when timeout elapses. It does not retry.
func (f *Fetcher) FetchTimeout(ctx context.Context, handle string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	u := f.URL(handle)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return "", &FetchError{Handle: handle, URL: u, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", f.cfg.AcceptLanguage)

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("%w: %s after %s", ErrFetchTimeout, u, timeout)
		}
		return "", &FetchError{Handle: handle, URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &FetchError{Handle: handle, URL: u, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", &FetchError{Handle: handle, URL: u, Err: fmt.Errorf("decode body: %w", err)}
	}
	b, err := io.ReadAll(body)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("%w: %s after %s", ErrFetchTimeout, u, timeout)
		}
		return "", &FetchError{Handle: handle, URL: u, Err: err}
	}
	return string(b), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
