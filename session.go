package meetspot

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// SessionObserver is told when the session is lost and the user has to sign
// in again.
type SessionObserver interface {
	OnTokenExpired()
	OnUnauthorized()
}

// SessionObserverFuncs adapts plain funcs to SessionObserver. Nil funcs are
// skipped.
type SessionObserverFuncs struct {
	TokenExpired func()
	Unauthorized func()
}

func (f SessionObserverFuncs) OnTokenExpired() {
	if f.TokenExpired != nil {
		f.TokenExpired()
	}
}

func (f SessionObserverFuncs) OnUnauthorized() {
	if f.Unauthorized != nil {
		f.Unauthorized()
	}
}

type lossReason string

const (
	lossExpired      lossReason = "token_expired"
	lossUnauthorized lossReason = "unauthorized"
)

// SessionManager is the only writer of the Session and the TokenStore.
type SessionManager struct {
	exec      *Executor
	tokens    *TokenStore
	api       APIConfig
	log       eventLogger
	validate  *validator.Validate
	observers []SessionObserver
	stream    *eventStream[Session]
	refresh   singleflight.Group

	mu      sync.Mutex
	session Session
}

// newSessionManager registers the manager as the executor's auth handler
// before returning, so no authenticated request can precede the wiring.
func newSessionManager(exec *Executor, tokens *TokenStore, api APIConfig, log eventLogger, observers ...SessionObserver) *SessionManager {
	m := &SessionManager{
		exec:      exec,
		tokens:    tokens,
		api:       api,
		log:       log,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		observers: observers,
		stream:    newEventStream[Session](),
		session:   Session{Loading: true},
	}
	exec.SetAuthHandler(m)
	return m
}

// Resolve restores the session from persisted tokens. It is meant to run once
// at startup and always leaves the session out of the resolving state.
func (m *SessionManager) Resolve(ctx context.Context) Session {
	stored := m.tokens.Read()
	if stored.AccessToken == "" && stored.RefreshToken == "" {
		m.setSession(Session{})
		m.log.info("session.resolve.anonymous", "reason", "no_tokens")
		return m.Snapshot()
	}

	if stored.AccessToken == "" && !stored.Remember {
		// The access token of a non-remembered login died with the previous
		// process. Its refresh token must not bring the session back.
		m.mu.Lock()
		m.tokens.Clear()
		m.session = Session{}
		snap := m.session.clone()
		m.mu.Unlock()
		m.stream.Publish(snap)
		m.log.info("session.resolve.anonymous", "reason", "not_remembered")
		return snap
	}

	access := stored.AccessToken
	refreshed := false
	if access == "" {
		if err := m.RefreshAccessToken(ctx, stored.RefreshToken); err != nil {
			return m.Snapshot()
		}
		refreshed = true
		access = m.tokens.Read().AccessToken
	}

	user, err := m.fetchProfile(ctx, access)
	if err != nil && isAuthFailure(err) && !refreshed && stored.RefreshToken != "" {
		if refreshErr := m.RefreshAccessToken(ctx, stored.RefreshToken); refreshErr != nil {
			return m.Snapshot()
		}
		refreshed = true
		access = m.tokens.Read().AccessToken
		user, err = m.fetchProfile(ctx, access)
	}

	switch {
	case err == nil:
		m.mu.Lock()
		m.session = Session{User: user, AccessToken: access, RefreshToken: stored.RefreshToken}
		snap := m.session.clone()
		m.mu.Unlock()
		m.stream.Publish(snap)
		m.log.info("session.resolve.authenticated", "user_id", user.ID, "refreshed", refreshed)
		return snap

	case isAuthFailure(err):
		m.mu.Lock()
		m.tokens.Clear()
		m.session = Session{}
		snap := m.session.clone()
		m.mu.Unlock()
		m.stream.Publish(snap)
		m.log.info("session.resolve.anonymous", "reason", "rejected", "error", err)
		return snap

	default:
		// Not an auth verdict; the tokens stay for the next attempt.
		m.setSession(Session{Error: msgGenericFailure})
		m.log.warn("session.resolve.unreachable", "error", err)
		return m.Snapshot()
	}
}

// Login signs in with email and password. The remember choice decides
// whether the access token survives a restart.
func (m *SessionManager) Login(ctx context.Context, email, password string, remember bool) error {
	creds := Credentials{Email: strings.TrimSpace(email), Password: password}
	if err := m.validate.Struct(creds); err != nil {
		m.setError(msgInvalidLogin)
		return invalidInput(err)
	}

	outcome, err := m.postWithFallback(ctx, m.api.Paths.Login, creds)
	if err != nil {
		return errors.Wrap(err, "login")
	}
	return m.establish(ctx, outcome, remember, "login")
}

// Register creates the account and then signs in through the regular login
// flow with remember set.
func (m *SessionManager) Register(ctx context.Context, in RegisterInput) error {
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := m.validate.Struct(in); err != nil {
		m.setError(msgGenericFailure)
		return invalidInput(err)
	}

	outcome, err := m.postWithFallback(ctx, m.api.Paths.Register, in)
	if err != nil {
		return errors.Wrap(err, "register")
	}
	if err := outcome.Err(); err != nil {
		m.setError(failureMessage(err))
		m.log.warn("session.register.failed", "email", in.Email, "error", err)
		return errors.Wrap(err, "register")
	}

	m.log.info("session.register.succeeded", "email", in.Email)
	return m.Login(ctx, in.Email, in.Password, true)
}

// LoginWithToken adopts a token pair issued by a federated provider. The pair
// is kept only if the profile endpoint accepts it.
func (m *SessionManager) LoginWithToken(ctx context.Context, token *oauth2.Token, remember bool) error {
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return invalidInput(errors.New("access token is required"))
	}

	user, err := m.fetchProfile(ctx, token.AccessToken)
	if err != nil {
		m.mu.Lock()
		m.tokens.Clear()
		m.session = Session{Error: failureMessage(err)}
		snap := m.session.clone()
		m.mu.Unlock()
		m.stream.Publish(snap)
		m.log.warn("session.login.failed", "via", "token", "error", err)
		return errors.Wrap(err, "login with token")
	}

	m.mu.Lock()
	m.tokens.Save(token.AccessToken, token.RefreshToken, remember)
	m.session = Session{User: user, AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}
	snap := m.session.clone()
	m.mu.Unlock()
	m.stream.Publish(snap)
	m.log.info("session.login.succeeded", "via", "token", "user_id", user.ID, "remember", remember)
	return nil
}

// RefreshAccessToken exchanges the refresh token for a new access token.
// Concurrent callers share one refresh call. Any failure ends the session.
func (m *SessionManager) RefreshAccessToken(ctx context.Context, refreshToken string) error {
	_, err, shared := m.refresh.Do("refresh", func() (any, error) {
		return nil, m.doRefresh(context.WithoutCancel(ctx), refreshToken)
	})
	if shared {
		m.log.debug("session.refresh.shared")
	}
	return err
}

func (m *SessionManager) doRefresh(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		m.endSessionFor(refreshToken, lossExpired, msgSessionExpired)
		return errors.WithStack(ErrNotSignedIn)
	}

	outcome, err := m.exec.Execute(ctx, Request{
		Method:       http.MethodPost,
		URL:          joinURL(m.api.BaseURL, m.api.Paths.Refresh),
		RequiresAuth: true,
		Token:        refreshToken,
		Silent:       true,
	})
	var resp tokenResponse
	if err == nil {
		err = outcome.Decode(&resp)
	}
	if err == nil && resp.AccessToken == "" {
		err = networkError("refresh response carried no access token", nil)
	}
	if err != nil {
		m.log.warn("session.refresh.failed", "refresh_token", maskToken(refreshToken), "error", err)
		if !m.endSessionFor(refreshToken, lossExpired, msgSessionExpired) {
			m.log.info("session.refresh.discarded")
		}
		return errors.Wrap(err, "refresh access token")
	}

	m.mu.Lock()
	if m.tokens.Read().RefreshToken != refreshToken {
		// Signed out or re-authenticated while the call was in flight.
		m.mu.Unlock()
		m.log.info("session.refresh.discarded")
		return errors.WithStack(ErrNotSignedIn)
	}
	m.tokens.UpdateAccessToken(resp.AccessToken)
	m.session.AccessToken = resp.AccessToken
	m.session.RefreshToken = refreshToken
	snap := m.session.clone()
	m.mu.Unlock()

	m.stream.Publish(snap)
	m.log.info("session.refresh.succeeded", "access_token", maskToken(resp.AccessToken))
	return nil
}

// Logout is local only and cannot fail.
func (m *SessionManager) Logout() {
	m.mu.Lock()
	m.tokens.Clear()
	m.session = Session{}
	snap := m.session.clone()
	m.mu.Unlock()

	m.stream.Publish(snap)
	m.log.info("session.logout")
}

// RefreshUserProfile re-reads the profile. A failure leaves the session as it
// was.
func (m *SessionManager) RefreshUserProfile(ctx context.Context) error {
	access := m.Snapshot().AccessToken
	if access == "" {
		return errors.WithStack(ErrNotSignedIn)
	}

	user, err := m.fetchProfile(ctx, access)
	if err != nil {
		m.log.debug("session.profile.refresh_failed", "error", err)
		return errors.Wrap(err, "refresh profile")
	}

	m.mu.Lock()
	if m.session.AccessToken != access {
		m.mu.Unlock()
		return nil
	}
	m.session.User = user
	snap := m.session.clone()
	m.mu.Unlock()
	m.stream.Publish(snap)
	return nil
}

func (m *SessionManager) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	if err := m.validate.Struct(update); err != nil {
		return nil, invalidInput(err)
	}

	outcome, err := m.exec.Execute(ctx, Request{
		Method:       http.MethodPatch,
		URL:          joinURL(m.api.BaseURL, m.api.Paths.Profile),
		Body:         update,
		RequiresAuth: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "update profile")
	}
	var user User
	if err := outcome.Decode(&user); err != nil {
		return nil, errors.Wrap(err, "update profile")
	}

	m.mu.Lock()
	if m.session.AccessToken != "" {
		u := user
		m.session.User = &u
	}
	snap := m.session.clone()
	m.mu.Unlock()
	m.stream.Publish(snap)
	m.log.info("session.profile.updated", "user_id", user.ID)
	return &user, nil
}

// DeleteAccount removes the account server-side and signs out.
func (m *SessionManager) DeleteAccount(ctx context.Context) error {
	outcome, err := m.exec.Execute(ctx, Request{
		Method:       http.MethodDelete,
		URL:          joinURL(m.api.BaseURL, m.api.Paths.Profile),
		RequiresAuth: true,
	})
	if err == nil {
		err = outcome.Err()
	}
	if err != nil {
		return errors.Wrap(err, "delete account")
	}
	m.log.info("session.account.deleted")
	m.Logout()
	return nil
}

func (m *SessionManager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.clone()
}

func (m *SessionManager) Subscribe() (<-chan Session, func()) {
	return m.stream.Subscribe()
}

// HandleAuthFailure is invoked by the executor for every auth failure on a
// request the manager did not issue itself. A failure reported for a bearer
// that is no longer the stored access token is stale and ignored.
func (m *SessionManager) HandleAuthFailure(ctx context.Context, kind OutcomeKind, token string) {
	stored := m.tokens.Read()
	if token != "" && stored.AccessToken != "" && stored.AccessToken != token {
		m.log.debug("session.auth_failure.stale", "kind", kind, "access_token", maskToken(token))
		return
	}

	switch kind {
	case OutcomeAuthExpired:
		if stored.RefreshToken != "" {
			// On failure the refresh has already ended the session.
			_ = m.RefreshAccessToken(ctx, stored.RefreshToken)
			return
		}
		m.endSession(lossExpired, msgSessionExpired)
	case OutcomeUnauthorized:
		m.endSession(lossUnauthorized, "")
	}
}

// establish finishes a login from its token response.
func (m *SessionManager) establish(ctx context.Context, outcome *Outcome, remember bool, via string) error {
	var resp tokenResponse
	err := outcome.Decode(&resp)
	if err == nil && resp.AccessToken == "" {
		err = networkError("login response carried no access token", nil)
	}
	user := resp.User
	if err == nil && user == nil {
		user, err = m.fetchProfile(ctx, resp.AccessToken)
	}
	if err != nil {
		m.setError(failureMessage(err))
		m.log.warn("session.login.failed", "via", via, "error", err)
		return errors.Wrap(err, via)
	}

	m.mu.Lock()
	m.tokens.Save(resp.AccessToken, resp.RefreshToken, remember)
	m.session = Session{User: user, AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	snap := m.session.clone()
	m.mu.Unlock()

	m.stream.Publish(snap)
	m.log.info("session.login.succeeded", "via", via, "user_id", user.ID, "remember", remember)
	return nil
}

// postWithFallback posts to the primary backend and retries once against the
// fallback when the primary fails server-side.
func (m *SessionManager) postWithFallback(ctx context.Context, path string, body any) (*Outcome, error) {
	outcome, err := m.exec.Execute(ctx, Request{
		Method: http.MethodPost,
		URL:    joinURL(m.api.BaseURL, path),
		Body:   body,
		Silent: true,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Kind != OutcomeDomainError || outcome.Status < http.StatusInternalServerError {
		return outcome, nil
	}
	fallback := strings.TrimSpace(m.api.FallbackBaseURL)
	if fallback == "" || strings.TrimRight(fallback, "/") == strings.TrimRight(m.api.BaseURL, "/") {
		return outcome, nil
	}

	m.log.warn("api.fallback", "path", path, "primary_status", outcome.Status)
	return m.exec.Execute(ctx, Request{
		Method: http.MethodPost,
		URL:    joinURL(fallback, path),
		Body:   body,
		Silent: true,
	})
}

func (m *SessionManager) fetchProfile(ctx context.Context, accessToken string) (*User, error) {
	outcome, err := m.exec.Execute(ctx, Request{
		Method:       http.MethodGet,
		URL:          joinURL(m.api.BaseURL, m.api.Paths.Profile),
		RequiresAuth: true,
		Token:        accessToken,
		Silent:       true,
	})
	if err != nil {
		return nil, err
	}
	var user User
	if err := outcome.Decode(&user); err != nil {
		return nil, err
	}
	if user.ID == "" && user.Email == "" {
		return nil, networkError("profile response carried no user", nil)
	}
	return &user, nil
}

// endSession clears tokens and session. Observers hear about it only when a
// signed-in session was actually lost.
func (m *SessionManager) endSession(reason lossReason, message string) {
	m.end(reason, message, nil)
}

// endSessionFor ends the session only while refreshToken is still the stored
// one, and reports whether it did.
func (m *SessionManager) endSessionFor(refreshToken string, reason lossReason, message string) bool {
	return m.end(reason, message, func() bool {
		return m.tokens.Read().RefreshToken == refreshToken
	})
}

func (m *SessionManager) end(reason lossReason, message string, current func() bool) bool {
	m.mu.Lock()
	if current != nil && !current() {
		m.mu.Unlock()
		return false
	}
	wasSignedIn := m.session.AccessToken != "" || m.session.User != nil
	m.tokens.Clear()
	m.session = Session{Error: message}
	snap := m.session.clone()
	m.mu.Unlock()

	m.stream.Publish(snap)
	if !wasSignedIn {
		return true
	}

	m.log.info("session.lost", "reason", string(reason))
	for _, o := range m.observers {
		switch reason {
		case lossExpired:
			o.OnTokenExpired()
		case lossUnauthorized:
			o.OnUnauthorized()
		}
	}
	return true
}

func (m *SessionManager) setSession(s Session) {
	m.mu.Lock()
	m.session = s
	snap := m.session.clone()
	m.mu.Unlock()
	m.stream.Publish(snap)
}

func (m *SessionManager) setError(message string) {
	m.mu.Lock()
	m.session.Error = message
	m.session.Loading = false
	snap := m.session.clone()
	m.mu.Unlock()
	m.stream.Publish(snap)
}

func (m *SessionManager) close() {
	m.stream.Close()
}

func isAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrUnauthorized)
}

// failureMessage is what the user sees for a failed sign-in: the server's own
// words for a domain rejection, a generic line otherwise.
func failureMessage(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Kind == OutcomeDomainError && reqErr.Message != "" {
		return reqErr.Message
	}
	return msgGenericFailure
}
