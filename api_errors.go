package meetspot

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// OutcomeKind classifies the result of one API call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeAuthExpired
	OutcomeUnauthorized
	OutcomeDomainError
	OutcomeNetworkError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthExpired:
		return "auth_expired"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeDomainError:
		return "domain_error"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

var (
	ErrAuthExpired  = errors.New("access token expired")
	ErrUnauthorized = errors.New("unauthorized")
	ErrDomain       = errors.New("request rejected")
	ErrNetwork      = errors.New("network error")
	ErrRateLimited  = errors.New("rate limited")

	// ErrAuthHandlerNotWired is returned for authenticated requests issued
	// before the session manager registered itself with the executor.
	ErrAuthHandlerNotWired = errors.New("auth handler not registered before authenticated request")

	ErrInvalidInput  = errors.New("invalid input")
	ErrNotSignedIn   = errors.New("not signed in")
	ErrPollCancelled = errors.New("poll cancelled")
)

const (
	msgGenericFailure = "Something went wrong. Please try again."
	msgSessionExpired = "Your session has expired. Please sign in again."
	msgInvalidLogin   = "Invalid email or password."
)

// RequestError is the error form of a non-success Outcome.
type RequestError struct {
	Kind       OutcomeKind
	Status     int
	Message    string
	RetryAfter time.Duration
	detail     error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.detail
}

// Is lets callers match a RequestError against the sentinel of its kind.
func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrAuthExpired:
		return e.Kind == OutcomeAuthExpired
	case ErrUnauthorized:
		return e.Kind == OutcomeUnauthorized
	case ErrDomain:
		return e.Kind == OutcomeDomainError
	case ErrNetwork:
		return e.Kind == OutcomeNetworkError
	case ErrRateLimited:
		return e.Kind == OutcomeDomainError && e.Status == http.StatusTooManyRequests
	}
	return false
}

func networkError(message string, detail error) *RequestError {
	return &RequestError{Kind: OutcomeNetworkError, Message: message, detail: detail}
}

func invalidInput(detail error) error {
	return errors.Wrap(ErrInvalidInput, detail.Error())
}
