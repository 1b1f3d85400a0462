package relay

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/wakarelay/waka-relay/internal/governance"
	"github.com/wakarelay/waka-relay/pkg/domain"
)

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"https://a.example/api", "x/y", "https://a.example/api/x/y"},
		{"https://a.example/api/", "x/y", "https://a.example/api/x/y"},
		{"https://a.example", "x/y", "https://a.example/x/y"},
		{"https://a.example/", "x/y", "https://a.example/x/y"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, JoinURL(tt.base, tt.path), "base=%s path=%s", tt.base, tt.path)
	}
}

func TestJoinURL_SingleSeparator(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		segment := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "segment")
		trailing := rapid.Bool().Draw(t, "trailing")

		base := "https://host.example/" + segment
		if trailing {
			base += "/"
		}
		path := rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8}){0,3}`).Draw(t, "path")

		joined := JoinURL(base, path)
		assert.Equal(t, "https://host.example/"+segment+"/"+path, joined)
		assert.NotContains(t, strings.TrimPrefix(joined, "https://"), "//")
	})
}

func testDispatcher(t *testing.T, client *http.Client, timeout time.Duration) *Dispatcher {
	t.Helper()
	return NewDispatcher(client, governance.NewPermitPool(4), timeout, slog.Default(), nil)
}

func TestDispatcherCall_RewritesIdentity(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer backend.Close()

	d := testDispatcher(t, backend.Client(), 5*time.Second)

	captured := &CapturedRequest{
		Method: http.MethodGet,
		Path:   "users/current/summaries",
		Headers: http.Header{
			"Authorization":  {"Basic Y2FsbGVyLWtleQ=="},
			"User-Agent":     {"wakatime/1.0"},
			"Content-Length": {"0"},
		},
	}

	outcome, err := d.Call(context.Background(), domain.Instance{BaseURL: backend.URL, APIKey: "instance-key"}, captured, rolePrimary)
	require.NoError(t, err)

	// The relay re-authenticates with the instance's own key.
	wantAuth := basicScheme + base64.StdEncoding.EncodeToString([]byte("instance-key"))
	assert.Equal(t, wantAuth, got.Header.Get("Authorization"))
	assert.Equal(t, "wakatime/1.0 "+Identity, got.Header.Get("User-Agent"))
	assert.Equal(t, "/users/current/summaries", got.URL.Path)

	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.True(t, outcome.IsJSON())
	assert.Empty(t, outcome.Headers.Get("Content-Length"))
}

func TestDispatcherCall_NonJSONBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not here"))
	}))
	defer backend.Close()

	d := testDispatcher(t, backend.Client(), 5*time.Second)

	outcome, err := d.Call(context.Background(), domain.Instance{BaseURL: backend.URL}, &CapturedRequest{Method: http.MethodGet, Path: "x"}, rolePrimary)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, outcome.StatusCode)
	assert.False(t, outcome.IsJSON())
	assert.Equal(t, "not here", string(outcome.Body))
}

func TestDispatcherCall_Timeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer backend.Close()
	defer close(release)

	d := testDispatcher(t, backend.Client(), 50*time.Millisecond)

	_, err := d.Call(context.Background(), domain.Instance{BaseURL: backend.URL}, &CapturedRequest{Method: http.MethodGet, Path: "x"}, rolePrimary)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestDispatcherCall_IgnoresCallerCancellation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	d := testDispatcher(t, backend.Client(), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // a disconnected client must not stop the upstream call

	outcome, err := d.Call(ctx, domain.Instance{BaseURL: backend.URL}, &CapturedRequest{Method: http.MethodGet, Path: "x"}, roleSecondary)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
}

func TestDispatcherCall_ReleasesPermitOnFailure(t *testing.T) {
	pool := governance.NewPermitPool(1)
	d := NewDispatcher(http.DefaultClient, pool, 100*time.Millisecond, slog.Default(), nil)

	// Unroutable target: the call fails but the permit must come back.
	inst := domain.Instance{BaseURL: "http://127.0.0.1:1"}
	_, err := d.Call(context.Background(), inst, &CapturedRequest{Method: http.MethodGet, Path: "x"}, rolePrimary)
	require.Error(t, err)

	assert.Equal(t, int64(0), pool.Stats().InUse)
}
