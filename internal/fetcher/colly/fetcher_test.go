package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

func fastConfig() Config {
	return Config{
		UserAgent:      "trf5-crawler-test",
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func TestFetchGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "trf5-crawler-test", r.UserAgent())
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		_, _ = fmt.Fprint(w, "<html>PROCESSO Nº</html>")
	}))
	t.Cleanup(srv.Close)

	f := New(fastConfig(), nil, nil)
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/cp/processo/1",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, http.MethodGet, resp.Method)
	require.Equal(t, srv.URL+"/cp/processo/1", resp.URL)
	require.Equal(t, "<html>PROCESSO Nº</html>", string(resp.Body))
	require.Len(t, resp.Headers.Values("Set-Cookie"), 2)
}

func TestFetchPostFormKeepsSessionCookie(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/cp/", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "s1", Path: "/"})
		_, _ = fmt.Fprint(w, "<form></form>")
	})
	mux.HandleFunc("/cp/consulta", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cookie, err := r.Cookie("JSESSIONID")
		if err != nil || cookie.Value != "s1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.NoError(t, r.ParseForm())
		_, _ = fmt.Fprintf(w, "tipo=%s filtro=%s", r.PostForm.Get("tipo"), r.PostForm.Get("filtro"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := New(fastConfig(), nil, nil)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/cp/"})
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:    srv.URL + "/cp/consulta",
		Method: http.MethodPost,
		Form:   url.Values{"tipo": {"xmlcpf"}, "filtro": {"00000000000191"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Method)
	require.Equal(t, "tipo=xmlcpf filtro=00000000000191", string(resp.Body))
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	resp, err := New(fastConfig(), nil, nil).Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchRetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	cfg := fastConfig()
	cfg.MaxRetries = 1
	resp, err := New(cfg, nil, nil).Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchReturnsClientErrorsAsFetched(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, "não encontrado")
	}))
	t.Cleanup(srv.Close)

	resp, err := New(fastConfig(), nil, nil).Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "não encontrado", string(resp.Body))
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchRespectsRobots(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /private")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "ok")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := fastConfig()
	cfg.RespectRobots = true
	f := New(cfg, nil, nil)

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/private/x"})
	require.ErrorIs(t, err, colly.ErrRobotsTxtBlocked)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/cp/"})
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(fastConfig(), nil, nil).Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

type recordingWaiter struct{ urls []string }

func (w *recordingWaiter) Wait(_ context.Context, url string) error {
	w.urls = append(w.urls, url)
	return nil
}

func TestFetchWaitsOnLimiterPerAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	waiter := &recordingWaiter{}
	_, err := New(fastConfig(), waiter, nil).Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL, srv.URL}, waiter.urls)
}

func TestFetchRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(fastConfig(), nil, nil).Fetch(context.Background(), crawler.FetchRequest{})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	req := crawler.FetchRequest{
		URL:     "https://www5.trf5.jus.br/cp/",
		Method:  http.MethodPost,
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	u, err := url.Parse("https://www5.trf5.jus.br/cp/consulta")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Server": {"Apache"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, http.MethodPost, result.Method)
	require.Equal(t, "https://www5.trf5.jus.br/cp/consulta", result.URL)
	require.Equal(t, "Apache", result.Headers.Get("Server"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(2, 100*time.Millisecond, 300*time.Millisecond)
	for attempt := range 5 {
		d := p.backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
	netErr := &url.Error{Op: "Get", URL: "https://x", Err: errors.New("connection reset")}
	require.True(t, p.shouldRetryError(netErr, 0))
	require.False(t, p.shouldRetryError(netErr, 2))
	require.False(t, p.shouldRetryError(context.Canceled, 0))
	require.False(t, p.shouldRetryError(colly.ErrRobotsTxtBlocked, 0))
	require.False(t, p.shouldRetryError(errors.New("parse error"), 0))

	require.True(t, retryableStatus(http.StatusServiceUnavailable))
	require.False(t, retryableStatus(http.StatusNotFound))
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
