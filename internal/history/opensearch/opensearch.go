package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/uprunner/internal/history"
)

const requestTimeout = 5 * time.Second

// document is one child_history row, indexed flat so it lines up with the
// SQL sinks' columns.
type document struct {
	OccurredAt time.Time  `json:"occurred_at"`
	Event      string     `json:"event"`
	Name       string     `json:"name"`
	PID        int        `json:"pid"`
	StartedAt  *time.Time `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at"`
	Running    bool       `json:"running"`
	ExitErr    *string    `json:"exit_err"`
}

func newDocument(e history.Event) document {
	rec := e.Record
	d := document{
		OccurredAt: e.OccurredAt.UTC(),
		Event:      string(e.Type),
		Name:       rec.Name,
		PID:        rec.PID,
		Running:    rec.Running,
	}
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt.UTC()
		d.StartedAt = &t
	}
	if !rec.StoppedAt.IsZero() {
		t := rec.StoppedAt.UTC()
		d.StoppedAt = &t
	}
	if rec.ExitErr != "" {
		d.ExitErr = &rec.ExitErr
	}
	return d
}

// Sink indexes child history documents through the OpenSearch REST API
// (POST {base}/{index}/_doc).
type Sink struct {
	client *http.Client
	docURL string
}

func New(baseURL, index string) *Sink {
	u, err := url.JoinPath(strings.TrimRight(baseURL, "/"), index, "_doc")
	if err != nil {
		u = strings.TrimRight(baseURL, "/") + "/" + index + "/_doc"
	}
	return &Sink{client: &http.Client{Timeout: requestTimeout}, docURL: u}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(newDocument(e))
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("index %s event: %w", e.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
