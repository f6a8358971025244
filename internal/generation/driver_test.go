package generation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"julian-relay/internal/domain"
	"julian-relay/internal/integrations/openai"
)

type fakeEvents struct {
	events []domain.StreamEvent
	err    error // returned once events are exhausted; nil means io.EOF
	pos    int
	closed int
}

func (f *fakeEvents) Recv() (domain.StreamEvent, error) {
	if f.pos < len(f.events) {
		ev := f.events[f.pos]
		f.pos++
		return ev, nil
	}
	if f.err != nil {
		return domain.StreamEvent{}, f.err
	}
	return domain.StreamEvent{}, io.EOF
}

func (f *fakeEvents) Close() error {
	f.closed++
	return nil
}

type fakeService struct {
	resp      domain.GenerationResponse
	respErr   error
	events    *fakeEvents
	streamErr error
	lastReq   domain.GenerationRequest
}

func (f *fakeService) Respond(_ context.Context, req domain.GenerationRequest) (domain.GenerationResponse, error) {
	f.lastReq = req
	return f.resp, f.respErr
}

func (f *fakeService) StreamEvents(_ context.Context, req domain.GenerationRequest) (domain.EventStream, error) {
	f.lastReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.events, nil
}

func delta(s string) domain.StreamEvent {
	return domain.StreamEvent{Type: domain.EventOutputTextDelta, Delta: s}
}

func mustDriver(t *testing.T, svc Service, opts Options) *Driver {
	t.Helper()
	if opts.Model == "" {
		opts.Model = "gpt-mock"
	}
	d, err := NewDriver(svc, opts)
	require.NoError(t, err)
	return d
}

func TestNewDriver_Validation(t *testing.T) {
	_, err := NewDriver(nil, Options{Model: "m"})
	require.Error(t, err)

	_, err = NewDriver(&fakeService{}, Options{})
	require.ErrorContains(t, err, "model")

	_, err = NewDriver(&fakeService{}, Options{Model: "m", ReasoningEffort: "extreme"})
	require.ErrorContains(t, err, "reasoning effort")

	_, err = NewDriver(&fakeService{}, Options{Model: "m", Verbosity: "chatty"})
	require.ErrorContains(t, err, "verbosity")

	d, err := NewDriver(&fakeService{}, Options{Model: " m ", ReasoningEffort: "HIGH", Verbosity: " Low "})
	require.NoError(t, err)
	require.Equal(t, Options{Model: "m", ReasoningEffort: "high", Verbosity: "low"}, d.Options())

	d, err = NewDriver(&fakeService{}, Options{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "low", d.Options().ReasoningEffort)
	require.Empty(t, d.Options().Verbosity)
}

func TestComplete_BuildsRequest(t *testing.T) {
	svc := &fakeService{resp: domain.GenerationResponse{OutputText: "answer"}}
	d := mustDriver(t, svc, Options{WebSearch: true, Verbosity: "medium"})

	out, err := d.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, "answer", out)
	require.Equal(t, domain.GenerationRequest{
		Model:           "gpt-mock",
		Prompt:          "prompt",
		Tools:           []domain.Tool{domain.ToolWebSearch},
		ReasoningEffort: "low",
		Verbosity:       "medium",
	}, svc.lastReq)
}

func TestComplete_FallsBackToNestedShape(t *testing.T) {
	svc := &fakeService{resp: domain.GenerationResponse{Output: []domain.OutputItem{
		{Type: "message", Content: []domain.ContentPart{{Type: "output_text", Text: "nested"}}},
	}}}
	out, err := mustDriver(t, svc, Options{}).Complete(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "nested", out)
}

func TestComplete_PlaceholderWhenEmpty(t *testing.T) {
	out, err := mustDriver(t, &fakeService{}, Options{}).Complete(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, NoContent, out)
}

func TestComplete_PropagatesError(t *testing.T) {
	upstream := &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}
	_, err := mustDriver(t, &fakeService{respErr: upstream}, Options{}).Complete(context.Background(), "p")
	var statusErr *openai.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
}

func TestStream_YieldsGrowingSnapshots(t *testing.T) {
	events := &fakeEvents{events: []domain.StreamEvent{
		{Type: "response.created"},
		delta("Hel"),
		delta(""),
		delta("lo"),
		delta(" world"),
		{Type: domain.EventCompleted},
		delta("after completion"),
	}}
	svc := &fakeService{events: events}
	s, err := mustDriver(t, svc, Options{}).Stream(context.Background(), "p")
	require.NoError(t, err)
	require.True(t, svc.lastReq.Stream)

	var snaps []string
	for s.Next() {
		snaps = append(snaps, s.Snapshot())
	}
	require.Equal(t, []string{"Hel", "Hello", "Hello world"}, snaps)
	require.NoError(t, s.Err())
	require.False(t, s.Next(), "stream must not restart")

	final, err := s.Final()
	require.NoError(t, err)
	require.Equal(t, "Hello world", final)
	require.Equal(t, 1, events.closed)
	require.NoError(t, s.Close())
	require.Equal(t, 1, events.closed)
}

func TestStream_FinalDrainsUnconsumed(t *testing.T) {
	events := &fakeEvents{events: []domain.StreamEvent{delta("a"), delta("b"), delta("c")}}
	s, err := mustDriver(t, &fakeService{events: events}, Options{}).Stream(context.Background(), "p")
	require.NoError(t, err)

	require.True(t, s.Next())
	final, err := s.Final()
	require.NoError(t, err)
	require.Equal(t, "abc", final)
}

func TestStream_ServiceFailureEvent(t *testing.T) {
	events := &fakeEvents{events: []domain.StreamEvent{
		delta("partial"),
		{Type: domain.EventFailed, Message: "overloaded"},
	}}
	s, err := mustDriver(t, &fakeService{events: events}, Options{}).Stream(context.Background(), "p")
	require.NoError(t, err)

	final, err := s.Final()
	require.Equal(t, "partial", final)
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "overloaded", svcErr.Message)
	require.Contains(t, err.Error(), "overloaded")
}

func TestStream_TransportError(t *testing.T) {
	events := &fakeEvents{events: []domain.StreamEvent{delta("x")}, err: errors.New("connection reset")}
	s, err := mustDriver(t, &fakeService{events: events}, Options{}).Stream(context.Background(), "p")
	require.NoError(t, err)

	require.True(t, s.Next())
	require.False(t, s.Next())
	require.ErrorContains(t, s.Err(), "connection reset")
	require.Equal(t, 1, events.closed)
}

func TestStream_OpenError(t *testing.T) {
	_, err := mustDriver(t, &fakeService{streamErr: errors.New("dial failed")}, Options{}).Stream(context.Background(), "p")
	require.ErrorContains(t, err, "open stream")
}
