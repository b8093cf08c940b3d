package domain

// StreamEventType names an outward stream event.
type StreamEventType string

const (
	EventStart          StreamEventType = "start"
	EventTextStart      StreamEventType = "text-start"
	EventTextDelta      StreamEventType = "text-delta"
	EventTextEnd        StreamEventType = "text-end"
	EventSourceDocument StreamEventType = "source-document"
	EventFinish         StreamEventType = "finish"
	EventError          StreamEventType = "error"
)

// FinishReasonStop is sent when the provider does not report one.
const FinishReasonStop = "stop"

// Usage is the token accounting of one answer.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	Estimated    bool  `json:"estimated,omitempty"`
}

// StreamEvent is one frame of the answer stream. Only the fields relevant to
// Type are populated.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	MessageID    string          `json:"messageId,omitempty"`
	ID           string          `json:"id,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	SourceID     string          `json:"sourceId,omitempty"`
	Title        string          `json:"title,omitempty"`
	Snippet      string          `json:"snippet,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Code         StreamErrorCode `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func StartEvent(messageID string) StreamEvent {
	return StreamEvent{Type: EventStart, MessageID: messageID}
}

func TextStartEvent(id string) StreamEvent {
	return StreamEvent{Type: EventTextStart, ID: id}
}

func TextDeltaEvent(id, delta string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, ID: id, Delta: delta}
}

func TextEndEvent(id string) StreamEvent {
	return StreamEvent{Type: EventTextEnd, ID: id}
}

func SourceEvent(c Citation) StreamEvent {
	return StreamEvent{Type: EventSourceDocument, SourceID: c.SourceID, Title: c.Title, Snippet: c.Snippet}
}

func FinishEvent(reason string, usage Usage) StreamEvent {
	if reason == "" {
		reason = FinishReasonStop
	}
	return StreamEvent{Type: EventFinish, FinishReason: reason, Usage: &usage}
}

func ErrorEvent(err *StreamError) StreamEvent {
	return StreamEvent{Type: EventError, Code: err.Code, Message: err.Message}
}
