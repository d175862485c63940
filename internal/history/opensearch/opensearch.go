// Package opensearch indexes lifecycle events as flat documents over the
// OpenSearch REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/logger"
)

// Options configures a Sink. Only BaseURL is required.
type Options struct {
	BaseURL string
	Index   string
	// Daily appends "-YYYY.MM.DD" (event time, UTC) to the index name.
	Daily    bool
	Username string
	Password string
	Timeout  time.Duration
}

// Sink writes each event with PUT /<index>/_doc/<id>. The id is derived
// from the event, so a retried Send overwrites instead of duplicating.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	if opts.Index == "" {
		opts.Index = "bootvisor-history"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

// document is the indexed shape: flat fields so dashboards can aggregate by
// project, event and reason without nested mappings.
type document struct {
	Timestamp  time.Time  `json:"@timestamp"`
	Event      string     `json:"event"`
	Project    string     `json:"project"`
	PID        int        `json:"pid"`
	Executable string     `json:"executable"`
	Port       string     `json:"port,omitempty"`
	Profile    string     `json:"profile,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	UptimeSec  float64    `json:"uptime_seconds,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Forced     bool       `json:"forced"`
	Error      string     `json:"error,omitempty"`
}

func toDocument(e history.Event) document {
	r := e.Record
	d := document{
		Timestamp:  e.OccurredAt.UTC(),
		Event:      string(e.Type),
		Project:    project(r.Executable),
		PID:        r.PID,
		Executable: r.Executable,
		Port:       r.Port,
		Profile:    r.Profile,
		ExitCode:   r.ExitCode,
		Reason:     r.Reason,
		Forced:     r.Forced,
		Error:      r.Error,
	}
	if !r.StartedAt.IsZero() {
		t := r.StartedAt.UTC()
		d.StartedAt = &t
	}
	if !r.StoppedAt.IsZero() {
		t := r.StoppedAt.UTC()
		d.StoppedAt = &t
		if d.StartedAt != nil && t.After(*d.StartedAt) {
			d.UptimeSec = t.Sub(*d.StartedAt).Seconds()
		}
	}
	return d
}

func project(executable string) string {
	if executable == "" {
		return ""
	}
	return logger.ProjectName(executable)
}

// docID is unique per event: type, pid and occurrence time in nanoseconds.
func docID(e history.Event) string {
	return string(e.Type) + "-" + strconv.Itoa(e.Record.PID) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.opts.Index + "-" + ts.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.opts.BaseURL, url.PathEscape(s.indexFor(e)), url.PathEscape(docID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s: status %d: %s", u, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
