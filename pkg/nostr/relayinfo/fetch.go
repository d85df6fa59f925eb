// Package relayinfo fetches the NIP-11 information document a relay serves
// over plain HTTP on its websocket URL.
package relayinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// MimeType is the Accept header value that makes a relay answer with its
// information document instead of a websocket upgrade error.
const MimeType = "application/nostr+json"

// Client is used for all document requests.
var Client = http.DefaultClient

// HTTPURL converts a relay websocket URL into the URL of its document.
func HTTPURL(u string) (s string, err error) {
	if !strings.HasPrefix(u, "http") && !strings.HasPrefix(u, "ws") {
		u = "wss://" + u
	}
	var p *url.URL
	if p, err = url.Parse(u); chk.D(err) {
		return "", fmt.Errorf("cannot parse url: %s", u)
	}
	switch p.Scheme {
	case "ws":
		p.Scheme = "http"
	case "wss":
		p.Scheme = "https"
	}
	p.Path = strings.TrimRight(p.Path, "/")
	return p.String(), nil
}

// Fetch fetches the NIP-11 document of the relay at u.
func Fetch(c context.T, u string) (info *T, err error) {
	if _, ok := c.Deadline(); !ok {
		// if no timeout is set, force it to 7 seconds
		var cancel context.F
		c, cancel = context.Timeout(c, 7*time.Second)
		defer cancel()
	}
	var target string
	if target, err = HTTPURL(u); err != nil {
		return
	}
	var req *http.Request
	if req, err = http.NewRequestWithContext(c, http.MethodGet, target,
		nil); chk.E(err) {
		return
	}
	req.Header.Add("Accept", MimeType)
	var resp *http.Response
	if resp, err = Client.Do(req); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay information from %s: %s", target,
			resp.Status)
	}
	var b []byte
	if b, err = io.ReadAll(resp.Body); chk.E(err) {
		return
	}
	info = &T{}
	if err = json.Unmarshal(b, info); chk.D(err) {
		return nil, fmt.Errorf("invalid relay information from %s: %w",
			target, err)
	}
	log.T.F("relay information from %s: %s %v", target, info.Software,
		info.Nips)
	return
}
