package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/teacup-labs/teadesk/internal/models"
)

type retryKey struct{}

// withRetried marks a request context as already replayed after a
// refresh. A marked request that fails with 401 never refreshes again.
func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retryKey{}, true)
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retryKey{}).(bool)
	return v
}

var (
	errNoRefreshToken    = errors.New("no refresh token stored")
	errRetryUnauthorized = errors.New("retried request was rejected with 401")
	errNotReplayable     = errors.New("request body cannot be replayed")
	errSessionCleared    = errors.New("session was cleared while the request was in flight")
)

// refreshTransport attaches the store's bearer header to every request
// and recovers from one 401 per call by refreshing the session. Refreshes
// triggered by concurrent failures are coalesced into a single call.
type refreshTransport struct {
	base      http.RoundTripper
	tokens    TokenStore
	refresh   func(ctx context.Context, refreshToken string) (*models.SessionTokens, error)
	onExpired func()
	logger    *slog.Logger

	group singleflight.Group
}

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	header := t.tokens.Header()

	resp, err := t.send(req, req.Body, header)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if isRetried(req.Context()) {
		t.expire(errRetryUnauthorized)
		return resp, nil
	}

	// Keep the original response intact so it can be propagated if the
	// refresh fails.
	original, err := buffer(resp)
	if err != nil {
		return nil, err
	}

	body, err := replayBody(req)
	if err != nil {
		t.logger.Warn("not retrying 401", slog.String("path", req.URL.Path), slog.String("reason", err.Error()))
		return original, nil
	}

	if err := t.refreshOnce(req.Context(), strings.TrimPrefix(header, "Bearer ")); err != nil {
		return original, nil
	}

	retry := req.WithContext(withRetried(req.Context()))

	resp, err = t.send(retry, body, t.tokens.Header())
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		t.expire(errRetryUnauthorized)
	}

	return resp, nil
}

// send dispatches a clone of req with the given body and Authorization.
// The caller's request is never modified.
func (t *refreshTransport) send(req *http.Request, body io.ReadCloser, authorization string) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Body = body

	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	} else {
		r.Header.Del("Authorization")
	}

	return t.base.RoundTrip(r)
}

// refreshOnce refreshes the session unless another caller already has.
// sent is the access token the failed request carried: if the store has
// moved on since, the token was rotated by a concurrent refresh and the
// caller only needs to retry. A failed refresh expires the session once,
// however many callers were waiting on it.
func (t *refreshTransport) refreshOnce(ctx context.Context, sent string) error {
	_, err, shared := t.group.Do("refresh", func() (interface{}, error) {
		// A caller that lost the race to a failed refresh finds the
		// store already cleared and has nothing left to expire.
		if sent != "" && t.tokens.Current() == "" {
			return nil, errSessionCleared
		}

		if err := t.renew(ctx, sent); err != nil {
			t.expire(err)
			return nil, err
		}

		return nil, nil
	})

	if shared {
		t.logger.Debug("joined in-flight session refresh")
	}

	return err
}

func (t *refreshTransport) renew(ctx context.Context, sent string) error {
	if cur := t.tokens.Current(); cur != "" && cur != sent {
		return nil
	}

	rt := t.tokens.RefreshToken()
	if rt == "" {
		return errNoRefreshToken
	}

	// The refresh is shared by every waiter, so one caller's
	// cancellation must not abort it for the others.
	tokens, err := t.refresh(context.WithoutCancel(ctx), rt)
	if err != nil {
		return err
	}

	next := tokens.RefreshToken
	if next == "" {
		next = rt
	}

	if err := t.tokens.SetTokens(tokens.AccessToken, next); err != nil {
		return err
	}

	t.logger.Debug("session refreshed")

	return nil
}

// expire clears the session after an unrecoverable authentication
// failure and signals the owner to send the user to login.
func (t *refreshTransport) expire(cause error) {
	t.logger.Warn("session expired, clearing tokens", slog.String("reason", cause.Error()))

	if err := t.tokens.Clear(); err != nil {
		t.logger.Error("failed to clear tokens", slog.String("error", err.Error()))
	}

	if t.onExpired != nil {
		t.onExpired()
	}
}

// replayBody returns a fresh copy of the request body for a retry.
func replayBody(req *http.Request) (io.ReadCloser, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Body, nil
	}

	if req.GetBody == nil {
		return nil, errNotReplayable
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replaying request body: %w", err)
	}

	return body, nil
}

// buffer reads resp's body into memory so the response can be returned
// after the connection is released.
func buffer(resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading 401 response: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))

	return resp, nil
}
