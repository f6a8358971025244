package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"julian-relay/internal/domain"
)

// ---------------------------------------------------------------------------
// responsesURL helper
// ---------------------------------------------------------------------------

func TestResponsesURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/responses"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/responses"},
		{"http://localhost:8080", "http://localhost:8080/v1/responses"},
		{"", "https://api.openai.com/v1/responses"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, responsesURL(tc.base), "base=%q", tc.base)
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

// fakeTokens is a minimal TokenSource stub for use within this package.
type fakeTokens struct {
	val    string
	err    error
	onCall func(name string) // optional; called on each Token invocation
}

func (f *fakeTokens) Token(_ context.Context, name string) (string, error) {
	if f.onCall != nil {
		f.onCall(name)
	}
	return f.val, f.err
}

func TestNewClient_NilTokenSource(t *testing.T) {
	_, err := NewClient(nil, "OPENAI_API_KEY")
	require.ErrorContains(t, err, "nil")
}

func TestNewClient_EmptyTokenName(t *testing.T) {
	_, err := NewClient(&fakeTokens{}, " ")
	require.ErrorContains(t, err, "empty")
}

func TestNewClient_Valid(t *testing.T) {
	c, err := NewClient(&fakeTokens{}, "/julian/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1", c.baseURL)
	require.Zero(t, c.streamClient.Timeout, "streams are bounded by the request context only")
}

// ---------------------------------------------------------------------------
// resolveAPIKey caching behaviour
// ---------------------------------------------------------------------------

func TestResolveAPIKey_FetchedOnFirstCall(t *testing.T) {
	calls := 0
	var names []string
	g := &fakeTokens{val: "sk-from-ssm"}
	g.onCall = func(name string) { calls++; names = append(names, name) }
	c, err := NewClient(g, "/julian/open-ai-token")
	require.NoError(t, err)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)

	// subsequent calls must never hit the token source again
	_, _ = c.resolveAPIKey(context.Background())
	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, calls, "token source must only be called once per process lifetime")
	require.Equal(t, []string{"/julian/open-ai-token"}, names)
}

func TestResolveAPIKey_Error(t *testing.T) {
	c, err := NewClient(&fakeTokens{err: errors.New("ssm unavailable")}, "/julian/open-ai-token")
	require.NoError(t, err)
	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")
}

func TestResolveAPIKey_RetriesAfterFailure(t *testing.T) {
	calls := 0
	g := &fakeTokens{}
	g.onCall = func(string) {
		calls++
		if calls == 1 {
			g.val, g.err = "", errors.New("ssm throttled")
			return
		}
		g.val, g.err = "sk-after-retry", nil
	}
	c, err := NewClient(g, "/julian/open-ai-token")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm throttled")

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-after-retry", key)

	// once resolved, the key is reused
	key, err = c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-after-retry", key)
	require.Equal(t, 2, calls)
}

// ---------------------------------------------------------------------------
// Client.Respond
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeTokens{val: "sk-test"},
		"OPENAI_API_KEY",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func testRequest() domain.GenerationRequest {
	return domain.GenerationRequest{
		Model:           "gpt-mock",
		Prompt:          "User: hi\nAssistant:",
		Tools:           []domain.Tool{domain.ToolWebSearch},
		ReasoningEffort: "low",
	}
}

func TestClient_Respond_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/responses", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(reqBody), `"model":"gpt-mock"`)
		require.Contains(t, string(reqBody), `"input":"User: hi\nAssistant:"`)
		require.Contains(t, string(reqBody), `"tools":[{"type":"web_search"}]`)
		require.Contains(t, string(reqBody), `"reasoning":{"effort":"low"}`)
		require.NotContains(t, string(reqBody), `"stream"`)
		require.NotContains(t, string(reqBody), `"verbosity"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "resp_123",
			"status": "completed",
			"output": [
				{"type": "web_search_call"},
				{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "Hello from mock"}]}
			]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Respond(context.Background(), testRequest())
	require.NoError(t, err)
	text, ok := resp.Text()
	require.True(t, ok)
	require.Equal(t, "Hello from mock", text)
}

func TestClient_Respond_SendsVerbosity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, _ := io.ReadAll(r.Body)
		require.Contains(t, string(reqBody), `"text":{"verbosity":"high"}`)
		_, _ = w.Write([]byte(`{"output_text":"ok"}`))
	}))
	defer srv.Close()

	req := testRequest()
	req.Verbosity = "high"
	resp, err := newTestClient(t, srv).Respond(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.OutputText)
}

func TestClient_Respond_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Respond(context.Background(), testRequest())
	require.ErrorContains(t, err, "unexpected status")
	require.ErrorContains(t, err, "400")
}

func TestClient_Respond_429ExposesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Respond(context.Background(), testRequest())
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
}

func TestClient_Respond_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Respond(context.Background(), testRequest())
	require.ErrorContains(t, err, "decode response")
}

func TestClient_Respond_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"output_text":"late"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Respond(context.Background(), testRequest())
	require.Error(t, err)
}

func TestClient_Respond_NetworkError(t *testing.T) {
	c, err := NewClient(&fakeTokens{val: "sk-test"}, "OPENAI_API_KEY")
	require.NoError(t, err)
	c.baseURL = "http://127.0.0.1:1"
	c.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	_, err = c.Respond(context.Background(), testRequest())
	require.ErrorContains(t, err, "request failed")
}

func TestClient_Respond_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeTokens{val: "sk-test"}, "OPENAI_API_KEY")
	require.NoError(t, err)
	_, err = c.Respond(context.Background(), domain.GenerationRequest{Prompt: "hi"})
	require.ErrorContains(t, err, "model")
}

// ---------------------------------------------------------------------------
// Client.StreamEvents
// ---------------------------------------------------------------------------

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		reqBody, _ := io.ReadAll(r.Body)
		require.Contains(t, string(reqBody), `"stream":true`)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		_, _ = io.WriteString(w, body)
	}))
}

func collect(t *testing.T, s domain.EventStream) ([]domain.StreamEvent, error) {
	t.Helper()
	defer func() { _ = s.Close() }()
	var out []domain.StreamEvent
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestClient_StreamEvents_Deltas(t *testing.T) {
	body := strings.Join([]string{
		"event: response.created",
		`data: {"type":"response.created"}`,
		"",
		": keep-alive",
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"Hel"}`,
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"lo"}`,
		"",
		"event: response.completed",
		`data: {"type":"response.completed"}`,
		"",
	}, "\n")
	srv := sseServer(t, body)
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamEvents(context.Background(), testRequest())
	require.NoError(t, err)
	events, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, domain.EventOutputTextDelta, events[1].Type)
	require.Equal(t, "Hel", events[1].Delta)
	require.Equal(t, "lo", events[2].Delta)
	require.Equal(t, domain.EventCompleted, events[3].Type)
}

func TestClient_StreamEvents_DoneMarker(t *testing.T) {
	srv := sseServer(t, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"x\"}\n\ndata: [DONE]\n\ndata: {\"type\":\"ignored\"}\n\n")
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamEvents(context.Background(), testRequest())
	require.NoError(t, err)
	events, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestClient_StreamEvents_TrailingEventWithoutBlankLine(t *testing.T) {
	srv := sseServer(t, `data: {"type":"response.output_text.delta","delta":"tail"}`)
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamEvents(context.Background(), testRequest())
	require.NoError(t, err)
	events, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "tail", events[0].Delta)
}

func TestClient_StreamEvents_FailedCarriesMessage(t *testing.T) {
	srv := sseServer(t, `data: {"type":"response.failed","response":{"error":{"message":"model overloaded"}}}`+"\n\n")
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamEvents(context.Background(), testRequest())
	require.NoError(t, err)
	events, err := collect(t, s)
	require.NoError(t, err)
	require.Equal(t, domain.EventFailed, events[0].Type)
	require.Equal(t, "model overloaded", events[0].Message)
}

func TestClient_StreamEvents_MalformedEvent(t *testing.T) {
	srv := sseServer(t, "data: {broken\n\n")
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamEvents(context.Background(), testRequest())
	require.NoError(t, err)
	_, err = collect(t, s)
	require.ErrorContains(t, err, "decode stream event")
}

func TestClient_StreamEvents_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).StreamEvents(context.Background(), testRequest())
	require.ErrorContains(t, err, "500")
}
