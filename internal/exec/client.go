// Package exec defines the boundary to the external engagement-execution
// client. The client owns authentication and session concerns; this package
// only issues calls and classifies what came back.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"podamp/internal/domain"
)

// Request is one engagement execution: member M performs action Kind on
// post PostID.
type Request struct {
	MemberID string            `json:"member_id"`
	Kind     domain.ActionKind `json:"kind"`
	PostID   string            `json:"post_id"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

// Client performs engagement actions against the social platform.
type Client interface {
	Execute(ctx context.Context, req Request) domain.Outcome
}

// HTTPClient calls an engagement-execution service over HTTP.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient builds a client for the execution service at base.
// Timeouts are enforced by the caller's context, not here.
func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{base: base, client: &http.Client{}}
}

func (c *HTTPClient) Execute(ctx context.Context, req Request) domain.Outcome {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return outcomeErr(start, domain.ClassUnknown, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/engagements", bytes.NewReader(body))
	if err != nil {
		return outcomeErr(start, domain.ClassUnknown, err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return outcomeErr(start, ClassifyTransport(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.Outcome{Success: true, Duration: time.Since(start)}
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return outcomeErr(start, ClassifyStatus(resp.StatusCode),
		fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(msg)))
}

func outcomeErr(start time.Time, class domain.ErrorClass, err error) domain.Outcome {
	return domain.Outcome{
		Success:  false,
		Duration: time.Since(start),
		Class:    class,
		Message:  err.Error(),
	}
}

// ClassifyStatus maps an HTTP status code to an error classification.
func ClassifyStatus(status int) domain.ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ClassRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ClassAuth
	case status == http.StatusNotFound || status == http.StatusGone:
		return domain.ClassNotFound
	case status >= 500:
		return domain.ClassNetwork
	default:
		return domain.ClassUnknown
	}
}

// ClassifyTransport maps a transport-level error to a classification.
// Everything that failed before an HTTP status arrived, including the
// execution timeout firing, counts as a network failure.
func ClassifyTransport(_ error) domain.ErrorClass {
	return domain.ClassNetwork
}
