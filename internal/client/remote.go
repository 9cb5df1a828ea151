// Package client talks to the gateway server. Remote implements
// backend.Gateway so the sync core runs unchanged against a live server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/telemetry"
)

type Options struct {
	// HTTPClient defaults to a traced client with a 15s timeout.
	HTTPClient *http.Client
	// InitialBackoff and MaxBackoff bound websocket reconnect delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AckTimeout bounds how long Subscribe waits for the server.
	AckTimeout time.Duration
	// EventBuffer is the per-subscription queue; a full queue drops the subscription.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second, Transport: telemetry.Transport(nil)}
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Remote is a gateway client authenticated as one user. Arguments naming
// the acting user are ignored; the server takes identity from the token.
type Remote struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *logger.Logger
	opts  Options

	feed *feed
}

func New(baseURL, token string, log *logger.Logger, opts Options) (*Remote, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, apperr.Validation("client", "invalid server url: "+err.Error())
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, apperr.Validation("client", "server url must be http or https")
	}
	opts = opts.withDefaults()
	r := &Remote{base: base, token: token, http: opts.HTTPClient, log: log, opts: opts}
	r.feed = newFeed(r)
	return r, nil
}

// Close drops the realtime connection and every subscription.
func (r *Remote) Close() error {
	r.feed.close()
	return nil
}

func (r *Remote) endpoint(path string, query url.Values) string {
	u := *r.base
	u.Path = r.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends one request and decodes a 2xx JSON body into out. Other codes
// come back as classified errors.
func (r *Remote) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint(path, query), rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return apperr.FromStatus(op, resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func idsQuery(ids []string) url.Values {
	return url.Values{"ids": {strings.Join(ids, ",")}}
}

// Signup registers an account on the server at baseURL.
func Signup(ctx context.Context, baseURL string, req auth.SignupRequest, log *logger.Logger) (*auth.Result, error) {
	r, err := New(baseURL, "", log, Options{})
	if err != nil {
		return nil, err
	}
	var res auth.Result
	if err := r.do(ctx, "signup", http.MethodPost, "/auth/signup", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Login exchanges credentials for a token.
func Login(ctx context.Context, baseURL string, req auth.LoginRequest, log *logger.Logger) (*auth.Result, error) {
	r, err := New(baseURL, "", log, Options{})
	if err != nil {
		return nil, err
	}
	var res auth.Result
	if err := r.do(ctx, "login", http.MethodPost, "/auth/login", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
