package helpers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetillo/dispatch-gateway/internal/repository"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/fleetillo/dispatch-gateway/pkg/redis"
	"github.com/fleetillo/dispatch-gateway/test/fixtures"
)

func SetupTestDB(t *testing.T) *pg.DB {
	return repository.NewTestDB(t)
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)
	// adapters are cached by name
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return mr, adapter
}

func SeedFleet(t *testing.T, db *pg.DB, f *fixtures.Fleet) {
	t.Helper()
	w := db.Write(context.Background())
	require.NoError(t, w.Create(f.Vehicle).Error)
	require.NoError(t, w.Create(f.Driver).Error)
	require.NoError(t, w.Create(f.Route).Error)
	for _, b := range f.Bookings {
		require.NoError(t, w.Create(b).Error)
	}
}

// ProviderCall is one request received by FakeProviders.
type ProviderCall struct {
	Provider string
	Path     string
	Body     map[string]any
}

// FakeProviders serves the Telegram Bot API and SendGrid endpoints the adapters use.
type FakeProviders struct {
	Server *httptest.Server

	FailTelegram atomic.Bool
	FailEmail    atomic.Bool

	mu    sync.Mutex
	calls []ProviderCall
	seq   atomic.Int64
}

func NewFakeProviders(t *testing.T) *FakeProviders {
	f := &FakeProviders{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeProviders) URL() string {
	return f.Server.URL
}

func (f *FakeProviders) Calls(provider string) []ProviderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ProviderCall
	for _, c := range f.calls {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeProviders) record(provider string, r *http.Request) ProviderCall {
	c := ProviderCall{Provider: provider, Path: r.URL.Path}
	_ = json.NewDecoder(r.Body).Decode(&c.Body)
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *FakeProviders) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": map[string]any{"id": 1, "username": "fake_bot"}})
	case strings.HasSuffix(r.URL.Path, "/answerCallbackQuery"):
		f.record("telegram-callback", r)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": true})
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.record("telegram", r)
		if f.FailTelegram.Load() {
			writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error_code": 403, "description": "Forbidden: bot was blocked by the user"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": map[string]any{"message_id": f.seq.Add(1)}})
	case r.URL.Path == "/v3/mail/send":
		f.record("sendgrid", r)
		if f.FailEmail.Load() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"message": "Does not contain a valid address."}}})
			return
		}
		w.Header().Set("X-Message-Id", "sg-"+strings.Repeat("x", 4))
		w.WriteHeader(http.StatusAccepted)
	case r.URL.Path == "/v3/user/profile":
		writeJSON(w, http.StatusOK, map[string]any{"username": "fake"})
	default:
		http.NotFound(w, r)
	}
}
