package domain

import "strings"

// Tool is a capability advertised to the generation service.
type Tool struct {
	Type string `json:"type"`
}

// ToolWebSearch enables the provider's hosted web search.
var ToolWebSearch = Tool{Type: "web_search"}

// GenerationRequest is the provider-agnostic request handed to the
// generation service. The prompt is a single role-tagged text block.
type GenerationRequest struct {
	Model           string
	Prompt          string
	Stream          bool
	Tools           []Tool
	ReasoningEffort string
	Verbosity       string
}

// GenerationResponse is a single-shot answer. The answer text may live in
// one of several known shapes; Text picks the first populated one.
type GenerationResponse struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	OutputText string       `json:"output_text"`
	Output     []OutputItem `json:"output"`
}

// OutputItem is one entry of the response's output list.
type OutputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one typed fragment of an output message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	outputTypeMessage = "message"
	contentTypeText   = "output_text"
)

// Text returns the answer text in shape order:
//  1. the top-level output_text field
//  2. the output_text parts of message items, concatenated
//
// The second result is false when no shape carries any text.
func (r GenerationResponse) Text() (string, bool) {
	if strings.TrimSpace(r.OutputText) != "" {
		return r.OutputText, true
	}

	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != outputTypeMessage {
			continue
		}
		for _, part := range item.Content {
			if part.Type == contentTypeText {
				b.WriteString(part.Text)
			}
		}
	}
	if strings.TrimSpace(b.String()) != "" {
		return b.String(), true
	}
	return "", false
}

// Stream event types emitted by the generation service.
const (
	EventOutputTextDelta = "response.output_text.delta"
	EventCompleted       = "response.completed"
	EventFailed          = "response.failed"
	EventError           = "error"
)

// StreamEvent is one decoded server-sent event.
type StreamEvent struct {
	Type    string
	Delta   string
	Message string
}

// EventStream yields decoded events until io.EOF.
type EventStream interface {
	Recv() (StreamEvent, error)
	Close() error
}
