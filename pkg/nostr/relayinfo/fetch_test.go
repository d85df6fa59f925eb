package relayinfo

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPURL(t *testing.T) {
	for in, want := range map[string]string{
		"wss://relay.example/":  "https://relay.example",
		"ws://127.0.0.1:7447":   "http://127.0.0.1:7447",
		"relay.example":         "https://relay.example",
		"https://relay.example": "https://relay.example",
	} {
		got, err := HTTPURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") != MimeType {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", MimeType)
			_, _ = w.Write([]byte(`{"name":"test relay","supported_nips":[1,11,13,40],
"software":"git+https://example.com/relay","limitation":{"min_pow_difficulty":8,"auth_required":true}}`))
		}))
	defer srv.Close()

	info, err := Fetch(context.Bg(), strings.Replace(srv.URL, "http", "ws", 1))
	require.NoError(t, err)
	assert.Equal(t, "test relay", info.Name)
	assert.Equal(t, 8, info.Limitation.MinPowDifficulty)
	assert.True(t, info.Limitation.AuthRequired)
	assert.True(t, info.Supports(13, 40))
	assert.False(t, info.Supports(13, 39))
	assert.True(t, info.Supports())
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := Fetch(context.Bg(), srv.URL)
	assert.Error(t, err)
}

func TestNilDocument(t *testing.T) {
	var info *T
	assert.False(t, info.HasNIP(1))
	assert.True(t, info.Supports())
	assert.False(t, info.Supports(40))
}
