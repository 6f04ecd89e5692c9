package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/bobarin/adreel/internal/errs"
)

// GenerationRequest is one text-to-video submission.
type GenerationRequest struct {
	Prompt      string
	Model       string
	AspectRatio string
	WithAudio   bool
}

// TaskState is a provider task's coarse status.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskSucceeded
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return "pending"
	}
}

// TaskStatus is the result of one poll.
type TaskStatus struct {
	State      TaskState
	ResultURLs []string
	Message    string
}

// VideoProvider is an external asynchronous video generation API.
//
// Errors carry errs.CodeRetryable when the same call may succeed later and
// errs.CodePermanent when it never will.
type VideoProvider interface {
	Name() string
	Submit(ctx context.Context, req GenerationRequest) (taskID string, err error)
	Poll(ctx context.Context, taskID string) (*TaskStatus, error)
}

// Downloader is implemented by providers whose results cannot be fetched
// with a plain GET.
type Downloader interface {
	Download(ctx context.Context, taskID, resultURL, dst string) error
}

// ProviderRouter picks a provider by model name.
type ProviderRouter struct {
	fallback VideoProvider
	prefixed map[string]VideoProvider
}

// NewProviderRouter routes every model to fallback unless a prefix matches.
func NewProviderRouter(fallback VideoProvider) *ProviderRouter {
	return &ProviderRouter{fallback: fallback, prefixed: map[string]VideoProvider{}}
}

// Route sends models starting with prefix to p.
func (r *ProviderRouter) Route(prefix string, p VideoProvider) {
	if p != nil {
		r.prefixed[prefix] = p
	}
}

// For returns the provider serving model.
func (r *ProviderRouter) For(model string) (VideoProvider, error) {
	for prefix, p := range r.prefixed {
		if strings.HasPrefix(model, prefix) {
			return p, nil
		}
	}
	if r.fallback == nil {
		return nil, errs.Newf(errs.CodePermanent, "services.ProviderRouter", "no provider for model %q", model)
	}
	return r.fallback, nil
}

// IsRetryableStatus reports HTTP statuses worth retrying: 408, 429 and 5xx.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// IsRetryableError reports network-level errors worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// classifyStatus turns a provider status code into a coded error.
// 402 (provider out of credits) and other 4xx are permanent.
func classifyStatus(op string, status int, body string) error {
	msg := fmt.Sprintf("provider returned status %d: %s", status, truncate(body, 300))
	if IsRetryableStatus(status) {
		e := errs.New(errs.CodeRetryable, op, msg)
		e.Detail = body
		return e
	}
	return errs.New(errs.CodePermanent, op, msg)
}

func classifyTransport(op string, err error) error {
	if IsRetryableError(err) {
		return errs.WrapWithCode(err, errs.CodeRetryable, op, "request failed")
	}
	return errs.WrapWithCode(err, errs.CodePermanent, op, "request failed")
}

// truncate limits a string to maxLen bytes for log output.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
