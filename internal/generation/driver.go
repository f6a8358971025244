package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"julian-relay/internal/domain"
)

// NoContent replaces a single-shot answer that carries no text.
const NoContent = "(no content)"

var (
	reasoningEfforts = []string{"minimal", "low", "medium", "high"}
	verbosities      = []string{"low", "medium", "high"}
)

// Service is the remote text-generation backend.
type Service interface {
	Respond(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResponse, error)
	StreamEvents(ctx context.Context, req domain.GenerationRequest) (domain.EventStream, error)
}

// Options are the per-process generation settings.
type Options struct {
	Model           string
	ReasoningEffort string
	Verbosity       string
	WebSearch       bool
}

// ServiceError is a failure reported inside the stream by the service.
type ServiceError struct {
	Type    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("generation: service reported %s", e.Type)
	}
	return fmt.Sprintf("generation: service reported %s: %s", e.Type, e.Message)
}

// Driver turns prompts into generation requests and normalizes the results.
type Driver struct {
	svc  Service
	opts Options
}

func NewDriver(svc Service, opts Options) (*Driver, error) {
	if svc == nil {
		return nil, errors.New("generation: service must not be nil")
	}
	opts.Model = strings.TrimSpace(opts.Model)
	if opts.Model == "" {
		return nil, errors.New("generation: model must not be empty")
	}
	opts.ReasoningEffort = strings.ToLower(strings.TrimSpace(opts.ReasoningEffort))
	if opts.ReasoningEffort == "" {
		opts.ReasoningEffort = "low"
	}
	if !slices.Contains(reasoningEfforts, opts.ReasoningEffort) {
		return nil, fmt.Errorf("generation: unsupported reasoning effort %q", opts.ReasoningEffort)
	}
	opts.Verbosity = strings.ToLower(strings.TrimSpace(opts.Verbosity))
	if opts.Verbosity != "" && !slices.Contains(verbosities, opts.Verbosity) {
		return nil, fmt.Errorf("generation: unsupported verbosity %q", opts.Verbosity)
	}
	return &Driver{svc: svc, opts: opts}, nil
}

// Options returns the normalized settings.
func (d *Driver) Options() Options { return d.opts }

func (d *Driver) request(prompt string, stream bool) domain.GenerationRequest {
	req := domain.GenerationRequest{
		Model:           d.opts.Model,
		Prompt:          prompt,
		Stream:          stream,
		ReasoningEffort: d.opts.ReasoningEffort,
		Verbosity:       d.opts.Verbosity,
	}
	if d.opts.WebSearch {
		req.Tools = []domain.Tool{domain.ToolWebSearch}
	}
	return req
}

// Complete runs a single-shot generation and returns the answer text, or
// NoContent when the response carries none.
func (d *Driver) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := d.svc.Respond(ctx, d.request(prompt, false))
	if err != nil {
		return "", fmt.Errorf("generation: respond: %w", err)
	}
	if text, ok := resp.Text(); ok {
		return text, nil
	}
	return NoContent, nil
}

// Stream opens a streaming generation. The caller must Close the result.
func (d *Driver) Stream(ctx context.Context, prompt string) (*Stream, error) {
	events, err := d.svc.StreamEvents(ctx, d.request(prompt, true))
	if err != nil {
		return nil, fmt.Errorf("generation: open stream: %w", err)
	}
	return &Stream{events: events}, nil
}

// Stream is a pull-based sequence of partial snapshots. Each snapshot is
// the whole text accumulated so far. It cannot be restarted.
//
//	for s.Next() {
//		show(s.Snapshot())
//	}
//	final, err := s.Final()
type Stream struct {
	events   domain.EventStream
	acc      strings.Builder
	snapshot string
	err      error
	done     bool
}

// Next advances to the next snapshot. It returns false once the service
// signals completion or an error occurs.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		ev, err := s.events.Recv()
		if errors.Is(err, io.EOF) {
			s.finish(nil)
			return false
		}
		if err != nil {
			s.finish(fmt.Errorf("generation: stream: %w", err))
			return false
		}

		switch ev.Type {
		case domain.EventOutputTextDelta:
			if ev.Delta == "" {
				continue
			}
			s.acc.WriteString(ev.Delta)
			s.snapshot = s.acc.String()
			return true
		case domain.EventCompleted:
			s.finish(nil)
			return false
		case domain.EventFailed, domain.EventError:
			s.finish(&ServiceError{Type: ev.Type, Message: ev.Message})
			return false
		}
	}
}

// Snapshot returns the text accumulated up to the last successful Next.
func (s *Stream) Snapshot() string { return s.snapshot }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error { return s.err }

// Final drains any unconsumed events and returns the accumulated text.
func (s *Stream) Final() (string, error) {
	for s.Next() {
	}
	return s.acc.String(), s.err
}

// Close releases the underlying connection. It is safe to call twice.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.events.Close()
}

func (s *Stream) finish(err error) {
	s.err = err
	_ = s.Close()
}
