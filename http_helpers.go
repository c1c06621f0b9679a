package meetspot

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func classifyResponse(resp *wireResponse, expiredMarker string) *Outcome {
	outcome := &Outcome{Status: resp.StatusCode, Header: resp.Header}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body := bytes.TrimSpace(resp.Body)
		if resp.StatusCode == http.StatusNoContent || len(body) == 0 {
			outcome.Kind = OutcomeSuccess
			return outcome
		}
		if !json.Valid(body) {
			outcome.Kind = OutcomeNetworkError
			outcome.Message = "response body is not valid JSON"
			return outcome
		}
		outcome.Kind = OutcomeSuccess
		outcome.Body = append(json.RawMessage(nil), body...)
		return outcome
	}

	fields := errorFields(resp.Body)
	outcome.Message = firstNonEmpty(fields["message"], fields["error"], fields["detail"], http.StatusText(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized && carriesExpiredMarker(fields, expiredMarker):
		outcome.Kind = OutcomeAuthExpired
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		outcome.Kind = OutcomeUnauthorized
	default:
		outcome.Kind = OutcomeDomainError
		if resp.Header != nil {
			outcome.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
	}
	return outcome
}

// errorFields pulls the string-valued top-level fields out of an error body.
// Bodies that are not JSON objects yield an empty map.
func errorFields(body []byte) map[string]string {
	var raw map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(body), &raw); err != nil {
		return map[string]string{}
	}
	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok {
			fields[strings.ToLower(key)] = strings.TrimSpace(s)
		}
	}
	return fields
}

func carriesExpiredMarker(fields map[string]string, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.EqualFold(fields["code"], marker) || strings.EqualFold(fields["error"], marker)
}

// parseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date. Zero means absent or unusable.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
