package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/dispatch"
	"watchbot/internal/subscription"
	logx "watchbot/pkg/logx"
)

type notifierMock struct {
	subs    []subscription.Subscriber[int64]
	err     error
	message string
	picture string
}

func (n *notifierMock) Notify(_ context.Context, sel subscription.Selector[int64], message, pictureURL string) ([]dispatch.Outcome[int64], error) {
	if n.err != nil {
		return nil, n.err
	}
	n.message, n.picture = message, pictureURL
	var out []dispatch.Outcome[int64]
	for _, s := range n.subs {
		if sel(s) {
			out = append(out, dispatch.Outcome[int64]{ClientID: s.ID, Kind: dispatch.KindText, Status: dispatch.Delivered, Attempts: 1})
		}
	}
	return out, nil
}

func newRouter(t *testing.T, n Notifier[int64], cfg Config) http.Handler {
	t.Helper()
	h := NewHandler[int64](n, time.Second, logx.Nop())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) })
	return Router[int64](cfg, h, metrics, func() any { return map[string]int{"delivered": 3} })
}

func do(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNotify(t *testing.T) {
	flats := subscription.New[int64](1)
	flats.Subscriptions = append(flats.Subscriptions, subscription.Subscription{Title: "f", QueryURL: "https://example.com/flats", Enabled: true, IncludeKeywords: []string{"balcony"}})
	bikes := subscription.New[int64](2)
	bikes.Subscriptions = append(bikes.Subscriptions, subscription.Subscription{Title: "b", QueryURL: "https://example.com/bikes", Enabled: true})

	cases := map[string]struct {
		body       string
		status     int
		recipients []int64
		message    string
	}{
		"matching listing": {
			body:       `{"query_url":"https://example.com/flats","listing_text":"Flat with balcony","message":"<b>New flat</b> &amp; more","picture_url":"https://example.com/p.jpg"}`,
			status:     http.StatusOK,
			recipients: []int64{1},
			message:    "New flat & more",
		},
		"filtered out": {
			body:       `{"query_url":"https://example.com/flats","listing_text":"Basement","message":"x"}`,
			status:     http.StatusOK,
			recipients: []int64{},
		},
		"by client": {
			body:       `{"client_id":2,"message":"hello"}`,
			status:     http.StatusOK,
			recipients: []int64{2},
			message:    "hello",
		},
		"missing message": {
			body:   `{"query_url":"https://example.com/flats","message":"<p></p>"}`,
			status: http.StatusBadRequest,
		},
		"missing target": {
			body:   `{"message":"x"}`,
			status: http.StatusBadRequest,
		},
		"bad url": {
			body:   `{"query_url":"ftp://example.com","message":"x"}`,
			status: http.StatusBadRequest,
		},
		"bad json": {
			body:   `{`,
			status: http.StatusBadRequest,
		},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			n := &notifierMock{subs: []subscription.Subscriber[int64]{flats, bikes}}
			rec := do(newRouter(t, n, Config{}), http.MethodPost, "/v1/notify", c.body, nil)
			require.Equal(t, c.status, rec.Code, rec.Body.String())
			if c.status != http.StatusOK {
				return
			}
			var resp NotifyResponse[int64]
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.BatchID)
			got := []int64{}
			for _, o := range resp.Outcomes {
				got = append(got, o.ClientID)
				assert.Equal(t, "delivered", o.Status)
			}
			assert.Equal(t, c.recipients, got)
			if c.message != "" {
				assert.Equal(t, c.message, n.message)
			}
		})
	}
}

func TestNotifyStorageFailure(t *testing.T) {
	n := &notifierMock{err: errors.Join(subscription.ErrStorage, errors.New("db gone"))}
	rec := do(newRouter(t, n, Config{}), http.MethodPost, "/v1/notify", `{"client_id":1,"message":"x"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	r := newRouter(t, &notifierMock{}, Config{Token: "s3cret"})

	rec := do(r, http.MethodPost, "/v1/notify", `{"client_id":1,"message":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = do(r, http.MethodPost, "/v1/notify", `{"client_id":1,"message":"x"}`, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodGet, "/metrics", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"delivered":3`)
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	r := newRouter(t, &notifierMock{}, Config{Pprof: true})
	rec := do(r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m 1\n", rec.Body.String())

	rec = do(r, http.MethodGet, "/debug/pprof/cmdline", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	r = newRouter(t, &notifierMock{}, Config{})
	rec = do(r, http.MethodGet, "/debug/pprof/cmdline", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	require.Error(t, s.Start(context.Background()))
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, http.NotFoundHandler(), logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:80"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":80"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
}
