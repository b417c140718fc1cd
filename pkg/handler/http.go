package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 4 << 20 // 4 MiB
)

// HTTPConfig configures an HTTP step handler.
type HTTPConfig struct {
	// URL is the endpoint the step posts to.
	URL string

	// Method defaults to POST.
	Method string

	// Headers are added to every request.
	Headers map[string]string

	// Timeout bounds each attempt. Zero means the 30s default.
	Timeout time.Duration
}

// HTTPHandler delegates step execution to a remote HTTP endpoint. The
// request body carries the task context, the step inputs, and the results
// of every prior step; the response body becomes the step's results.
//
// Response status maps onto the error taxonomy: 2xx succeeds, 429 and 503
// are retryable and honor Retry-After, other 5xx are retryable, and the
// remaining 4xx are permanent.
type HTTPHandler struct {
	cfg    HTTPConfig
	client *http.Client
}

var _ Handler = (*HTTPHandler)(nil)

// NewHTTPHandler creates an HTTP step handler. A nil client gets a default
// with the configured timeout.
func NewHTTPHandler(cfg HTTPConfig, client *http.Client) *HTTPHandler {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPHandler{cfg: cfg, client: client}
}

// httpStepRequest is the wire shape posted to the endpoint.
type httpStepRequest struct {
	TaskID      string                     `json:"task_id"`
	StepName    string                     `json:"step_name"`
	Attempt     int                        `json:"attempt"`
	TaskContext json.RawMessage            `json:"task_context,omitempty"`
	Inputs      json.RawMessage            `json:"inputs,omitempty"`
	Previous    map[string]json.RawMessage `json:"previous_results,omitempty"`
}

// Process implements Handler.
func (h *HTTPHandler) Process(ctx context.Context, task *workflow.Task, sequence *Sequence, step *workflow.WorkflowStep) (json.RawMessage, error) {
	previous := make(map[string]json.RawMessage)
	for _, name := range sequence.Names() {
		doc, _ := sequence.Results(name)
		previous[name] = doc
	}

	body, err := json.Marshal(httpStepRequest{
		TaskID:      task.ID.String(),
		StepName:    step.Name,
		Attempt:     step.Attempts,
		TaskContext: task.Context,
		Inputs:      step.Inputs,
		Previous:    previous,
	})
	if err != nil {
		return nil, errors.NewPermanentError("marshal step request: "+err.Error(), "serialization")
	}

	req, err := http.NewRequestWithContext(ctx, h.cfg.Method, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewPermanentError("build step request: "+err.Error(), "configuration")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Network failures and timeouts are worth retrying.
		return nil, errors.NewRetryableError("http request failed: " + err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	return processResponse(resp)
}

// processResponse maps an HTTP response onto step results or the error
// taxonomy.
func processResponse(resp *http.Response) (json.RawMessage, error) {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, errors.NewRetryableError("read response body: " + err.Error())
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(payload) == 0 {
			return nil, nil
		}
		if !json.Valid(payload) {
			return nil, errors.NewPermanentError(
				fmt.Sprintf("endpoint returned non-JSON body with status %d", resp.StatusCode),
				"bad_response")
		}
		return payload, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		msg := fmt.Sprintf("endpoint returned %d", resp.StatusCode)
		if after, ok := retryAfter(resp); ok {
			return nil, errors.NewRetryableErrorAfter(msg, after)
		}
		return nil, errors.NewRetryableError(msg)

	case resp.StatusCode >= 500:
		return nil, errors.NewRetryableError(fmt.Sprintf("endpoint returned %d", resp.StatusCode))

	default:
		return nil, errors.NewPermanentError(
			fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, truncate(payload, 256)),
			"client_error")
	}
}

// retryAfter parses the Retry-After header, accepting both delta-seconds
// and HTTP-date forms.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
