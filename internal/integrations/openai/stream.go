package openai

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"julian-relay/internal/domain"
)

const maxEventSize = 1 << 20

// streamPayload is the subset of a Responses stream event we consume.
type streamPayload struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Message  string `json:"message"`
	Response *struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// eventStream decodes "data:" frames from a text/event-stream body.
type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newEventStream(body io.ReadCloser) *eventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &eventStream{body: body, scanner: sc}
}

// Recv returns the next event, or io.EOF once the stream is finished.
func (s *eventStream) Recv() (domain.StreamEvent, error) {
	if s.done {
		return domain.StreamEvent{}, io.EOF
	}

	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			return s.decode(data.String())
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			// "event:" repeats the JSON type; "id:" and "retry:" are unused.
			continue
		}
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(strings.TrimPrefix(value, " "))
	}
	if err := s.scanner.Err(); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("openai: read stream: %w", err)
	}
	if data.Len() > 0 {
		return s.decode(data.String())
	}
	s.done = true
	return domain.StreamEvent{}, io.EOF
}

func (s *eventStream) decode(data string) (domain.StreamEvent, error) {
	if data == "[DONE]" {
		s.done = true
		return domain.StreamEvent{}, io.EOF
	}

	var p streamPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("openai: decode stream event: %w", err)
	}
	if p.Type == "" {
		return domain.StreamEvent{}, errors.New("openai: stream event without type")
	}

	ev := domain.StreamEvent{Type: p.Type, Delta: p.Delta, Message: p.Message}
	if ev.Message == "" && p.Response != nil && p.Response.Error != nil {
		ev.Message = p.Response.Error.Message
	}
	return ev, nil
}

func (s *eventStream) Close() error {
	s.done = true
	return s.body.Close()
}
