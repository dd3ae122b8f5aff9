// Package adapter holds the narrow client interfaces to Stepwise's
// external collaborators: the step translation service and the command
// execution layer. Neither service's internals live in this repository.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrTranslatorUnavailable marks network, auth, and server-side failures
// of the translation service. The planner catches it and degrades to a
// single-step plan instead of surfacing a hard failure.
var ErrTranslatorUnavailable = errors.New("translation service unavailable")

// ProposedStep is one entry of a translation response. DependencyIndices
// are positions in the returned list; the planner translates them into
// stable step ids before anything is persisted.
type ProposedStep struct {
	Description       string `json:"description"`
	Command           string `json:"command"`
	RollbackCommand   string `json:"rollback_command,omitempty"`
	DependencyIndices []int  `json:"dependency_indices"`
}

// Translator decomposes one natural-language goal into an ordered list of
// proposed steps.
type Translator interface {
	Translate(ctx context.Context, goal string) ([]ProposedStep, error)
}

// HTTPTranslator calls the external translation service over HTTP.
type HTTPTranslator struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPTranslator(endpoint, token string, timeout time.Duration) *HTTPTranslator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPTranslator{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type translateRequest struct {
	Goal string `json:"goal"`
}

type translateResponse struct {
	Steps []ProposedStep `json:"steps"`
}

func (t *HTTPTranslator) Translate(ctx context.Context, goal string) ([]ProposedStep, error) {
	body, err := json.Marshal(translateRequest{Goal: goal})
	if err != nil {
		return nil, fmt.Errorf("marshal translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranslatorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTranslatorUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("translate request rejected: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTranslatorUnavailable, err)
	}
	var tr translateResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("malformed translate response: %w", err)
	}
	return tr.Steps, nil
}

// Deduped coalesces concurrent Translate calls for the same goal into one
// upstream request, sparing the translation service's latency and budget.
type Deduped struct {
	inner Translator
	group singleflight.Group
}

func NewDeduped(inner Translator) *Deduped {
	return &Deduped{inner: inner}
}

func (d *Deduped) Translate(ctx context.Context, goal string) ([]ProposedStep, error) {
	v, err, _ := d.group.Do(goal, func() (any, error) {
		return d.inner.Translate(ctx, goal)
	})
	if err != nil {
		return nil, err
	}
	steps := v.([]ProposedStep)
	// Callers each get their own slice; results are shared across waiters.
	return append([]ProposedStep(nil), steps...), nil
}
