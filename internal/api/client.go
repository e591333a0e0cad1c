// Package api is the client for the tea-shop REST API. Calls that need a
// session go through a transport that attaches the bearer token and
// silently refreshes it once when the server answers 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	apperrors "github.com/teacup-labs/teadesk/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// defaultTimeout is the timeout for the HTTP clients when no custom
	// client is provided.
	defaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// ConnectivityError means no HTTP status was received: DNS failure,
// refused connection, timeout, TLS or proxy problems. The user should
// check their network or the service status, not their password.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string { return e.Err.Error() }
func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err (or any error in its chain) is a
// ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// StatusError is a non-2xx response. Message is the server-provided text
// when the body was structured. Kind, when set, is the sentinel the
// status was classified as for the endpoint that produced it.
type StatusError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
	Kind     error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, e.Message)
	}

	return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Kind }

// TokenStore is the subset of *tokenstore.Store the client needs.
type TokenStore interface {
	Current() string
	RefreshToken() string
	Header() string
	SetTokens(access, refresh string) error
	Clear() error
}

// Options configures a Client.
type Options struct {
	BaseURL string

	// HTTPClient is the unauthenticated client. If nil, one with
	// Timeout and a same-host redirect policy is created.
	HTTPClient *http.Client
	Timeout    time.Duration

	Tokens TokenStore
	Logger *slog.Logger

	// OnSessionExpired runs after an unrecoverable refresh failure has
	// cleared the token store.
	OnSessionExpired func()
}

// Client talks to the tea-shop REST API.
type Client struct {
	baseURL string
	public  *http.Client
	authed  *http.Client
	tokens  TokenStore
	logger  *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never leak to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. The authenticated client shares the
// public client's transport, timeout and redirect policy, wrapped in the
// refresh transport.
func NewClient(opts Options) *Client {
	public := opts.HTTPClient
	if public == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		public = &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	base := public.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		public:  public,
		tokens:  opts.Tokens,
		logger:  logger,
	}

	c.authed = &http.Client{
		Timeout:       public.Timeout,
		CheckRedirect: public.CheckRedirect,
		Jar:           public.Jar,
		Transport: &refreshTransport{
			base:      base,
			tokens:    opts.Tokens,
			refresh:   c.Refresh,
			onExpired: opts.OnSessionExpired,
			logger:    logger,
		},
	}

	return c
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// newStatusError builds a StatusError from a non-2xx response. Structured
// bodies are read with gjson so any of the backend's error shapes work:
// {"message"}, {"detail"}, {"error_description"} or a string "error".
func newStatusError(endpoint string, status int, body []byte) *StatusError {
	se := &StatusError{Endpoint: endpoint, Status: status}

	if !gjson.ValidBytes(body) {
		se.Message = strings.TrimSpace(sanitizeResponseBody(body))
		return se
	}

	parsed := gjson.ParseBytes(body)
	se.Code = parsed.Get("code").String()

	for _, field := range []string{"message", "detail", "error_description", "error"} {
		v := parsed.Get(field)
		if v.Type == gjson.String && v.Str != "" {
			se.Message = sanitizeResponseBody([]byte(v.Str))
			break
		}
	}

	if se.Code == "" {
		if v := parsed.Get("error"); v.Type == gjson.String && se.Message != v.Str {
			se.Code = v.Str
		}
	}

	return se
}

// do sends a JSON request and returns the raw 2xx body. Non-2xx responses
// become *StatusError, transport failures *ConnectivityError.
func (c *Client) do(ctx context.Context, hc *http.Client, method, endpoint string, body interface{}) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &ConnectivityError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("api error response",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.String("request_id", requestID[:8]),
		)

		return nil, newStatusError(endpoint, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// decode unmarshals a 2xx body into result.
func decode(endpoint string, body []byte, result interface{}) error {
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w from %s: %w", apperrors.ErrMalformedResponse, endpoint, err)
	}

	return nil
}

// classify tags a StatusError with kind when its status is one of codes.
// Other errors are returned unchanged.
func classify(err error, kind error, codes ...int) error {
	var se *StatusError
	if !errors.As(err, &se) || se.Kind != nil {
		return err
	}

	for _, code := range codes {
		if se.Status == code {
			se.Kind = kind
			break
		}
	}

	return err
}

// authedCall runs an authenticated request. A 401 that survives the
// refresh transport means the session is gone.
func (c *Client) authedCall(ctx context.Context, method, endpoint string, body, result interface{}) error {
	if c.tokens == nil || c.tokens.Current() == "" {
		return apperrors.ErrNotAuthenticated
	}

	raw, err := c.do(ctx, c.authed, method, endpoint, body)
	if err != nil {
		return classify(err, apperrors.ErrSessionExpired, http.StatusUnauthorized)
	}

	if result == nil {
		return nil
	}

	return decode(endpoint, raw, result)
}
