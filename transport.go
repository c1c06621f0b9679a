package meetspot

import (
	"context"
	"net/http"
	"time"

	azuretls "github.com/Noooste/azuretls-client"
)

type wireRequest struct {
	Method  string
	URL     string
	Headers [][2]string
	Body    []byte
	Timeout time.Duration
}

type wireResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// transport performs one HTTP exchange. Non-2xx statuses are responses, not
// errors; an error means no response was obtained.
type transport interface {
	RoundTrip(ctx context.Context, req *wireRequest) (*wireResponse, error)
}

type azuretlsTransport struct{}

func (azuretlsTransport) RoundTrip(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ordered := azuretls.OrderedHeaders{}
	for _, h := range req.Headers {
		ordered = append(ordered, []string{h[0], h[1]})
	}

	request := &azuretls.Request{
		Method:         req.Method,
		Url:            req.URL,
		OrderedHeaders: ordered,
		TimeOut:        req.Timeout,
	}
	if len(req.Body) > 0 {
		request.Body = req.Body
	}

	type result struct {
		resp *wireResponse
		err  error
	}
	done := make(chan result, 1)

	go func() {
		session := azuretls.NewSession()
		defer session.Close()

		resp, err := session.Do(request)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{resp: &wireResponse{
			StatusCode: resp.StatusCode,
			Header:     http.Header(resp.Header),
			Body:       resp.Body,
		}}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.resp, r.err
	}
}
