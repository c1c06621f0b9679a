package meetspot

import (
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// User is the profile record returned by the profile endpoint.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Premium bool   `json:"is_premium"`
}

type SessionState int

const (
	StateResolving SessionState = iota
	StateAnonymous
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Session is the authenticated identity bound to this client. User is set
// only when AccessToken was last validated against the profile endpoint.
type Session struct {
	User         *User  `json:"user,omitempty"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	Loading      bool   `json:"loading"`
	Error        string `json:"error,omitempty"`
}

func (s Session) State() SessionState {
	switch {
	case s.Loading:
		return StateResolving
	case s.User != nil && s.AccessToken != "":
		return StateAuthenticated
	default:
		return StateAnonymous
	}
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// StoredTokens is what the token store persists between runs.
type StoredTokens struct {
	AccessToken  string
	RefreshToken string
	Remember     bool
}

// OAuth2 exposes the stored pair as an oauth2 bearer token.
func (t StoredTokens) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
	}
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,max=120"`
}

// ProfileUpdate carries the editable profile fields; nil fields are left out.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty" validate:"omitempty,max=120"`
	Email *string `json:"email,omitempty" validate:"omitempty,email"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	User         *User  `json:"user,omitempty"`
}

const (
	StatusPending     = "pending"
	StatusCalculating = "calculating"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// StatusPayload is the body of the meeting status endpoint.
type StatusPayload struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// PollSnapshot is the observable state of one Poller.
type PollSnapshot struct {
	ResourceID string        `json:"resource_id"`
	State      PollState     `json:"state"`
	Attempts   int           `json:"attempts"`
	Interval   time.Duration `json:"interval"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Checking   bool          `json:"checking"`
	Status     string        `json:"status,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}

// MeetingResults is kept raw; its shape belongs to the views that render it.
type MeetingResults = json.RawMessage
