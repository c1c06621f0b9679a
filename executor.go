package meetspot

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AuthHandler reacts to auth failures observed on any executor response.
// token is the bearer the failing request carried.
type AuthHandler interface {
	HandleAuthFailure(ctx context.Context, kind OutcomeKind, token string)
}

type AuthHandlerFunc func(ctx context.Context, kind OutcomeKind, token string)

func (f AuthHandlerFunc) HandleAuthFailure(ctx context.Context, kind OutcomeKind, token string) {
	f(ctx, kind, token)
}

type Request struct {
	Method string
	URL    string
	Body   any

	// RequiresAuth makes a missing token an immediate Unauthorized outcome.
	RequiresAuth bool

	// Token overrides the stored access token as bearer credential.
	Token string

	// Silent requests never report auth failures to the AuthHandler. The
	// session manager uses it for its own calls.
	Silent bool
}

// Outcome is the classified result of one call.
type Outcome struct {
	Kind       OutcomeKind
	Status     int
	Body       json.RawMessage
	Message    string
	RetryAfter time.Duration
	Header     http.Header
	detail     error
}

func (o *Outcome) OK() bool { return o != nil && o.Kind == OutcomeSuccess }

// Err returns nil for a success and a *RequestError otherwise.
func (o *Outcome) Err() error {
	if o == nil {
		return networkError("no response", nil)
	}
	if o.Kind == OutcomeSuccess {
		return nil
	}
	return &RequestError{
		Kind:       o.Kind,
		Status:     o.Status,
		Message:    o.Message,
		RetryAfter: o.RetryAfter,
		detail:     o.detail,
	}
}

// Decode unmarshals a success body into dst. A null body leaves dst untouched.
func (o *Outcome) Decode(dst any) error {
	if err := o.Err(); err != nil {
		return err
	}
	if len(o.Body) == 0 || dst == nil {
		return nil
	}
	if err := json.Unmarshal(o.Body, dst); err != nil {
		return networkError("unexpected response shape", err)
	}
	return nil
}

// Executor performs single HTTP calls with consistent headers and returns a
// classified Outcome. It never fails for HTTP-level problems.
type Executor struct {
	transport     transport
	tokens        *TokenStore
	timeout       time.Duration
	expiredMarker string
	log           eventLogger

	mu      sync.RWMutex
	handler AuthHandler
}

func newExecutor(t transport, tokens *TokenStore, cfg APIConfig, log eventLogger) *Executor {
	if t == nil {
		t = azuretlsTransport{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	marker := cfg.ExpiredMarker
	if marker == "" {
		marker = defaultExpiredMarker
	}
	return &Executor{
		transport:     t,
		tokens:        tokens,
		timeout:       timeout,
		expiredMarker: marker,
		log:           log,
	}
}

// SetAuthHandler installs the single handler for auth failures. Installing
// again replaces the previous one.
func (e *Executor) SetAuthHandler(h AuthHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *Executor) authHandler() AuthHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

// Execute runs one call. The returned error is reserved for malformed calls;
// every HTTP or transport failure is reported through the Outcome.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" || strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("execute: method and url are required")
	}

	token := req.Token
	if token == "" && e.tokens != nil {
		token = e.tokens.Read().AccessToken
	}

	// Any call that carries or demands credentials needs someone to handle
	// their rejection.
	handler := e.authHandler()
	if (req.RequiresAuth || token != "") && !req.Silent && handler == nil {
		return nil, errors.WithStack(ErrAuthHandlerNotWired)
	}
	if req.RequiresAuth && token == "" {
		return &Outcome{Kind: OutcomeUnauthorized, Message: "not signed in"}, nil
	}

	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "execute: encode body")
		}
		body = encoded
	}

	requestID := uuid.NewString()
	headers := [][2]string{
		{"Content-Type", "application/json"},
		{"Accept", "application/json"},
		{"X-Request-ID", requestID},
	}
	if token != "" {
		headers = append(headers, [2]string{"Authorization", "Bearer " + token})
	}

	started := time.Now()
	resp, err := e.transport.RoundTrip(ctx, &wireRequest{
		Method:  method,
		URL:     req.URL,
		Headers: headers,
		Body:    body,
		Timeout: e.timeout,
	})
	if err != nil {
		e.log.warn("api.request.failed", "method", method, "url", req.URL, "request_id", requestID, "error", err)
		return &Outcome{Kind: OutcomeNetworkError, Message: "network request failed", detail: err}, nil
	}

	outcome := classifyResponse(resp, e.expiredMarker)
	e.log.debug(
		"api.request.completed",
		"method", method,
		"url", req.URL,
		"request_id", requestID,
		"status", resp.StatusCode,
		"outcome", outcome.Kind,
		"duration", time.Since(started),
	)

	if !req.Silent && handler != nil &&
		(outcome.Kind == OutcomeAuthExpired || outcome.Kind == OutcomeUnauthorized) {
		handler.HandleAuthFailure(ctx, outcome.Kind, token)
	}
	return outcome, nil
}
