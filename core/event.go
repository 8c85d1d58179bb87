package livesession

import (
	"time"

	"github.com/google/uuid"

	"github.com/koscakluka/live-core/core/llms"
)

// Event is one consumer-facing occurrence in a streaming session.
//
// Text deltas arrive as partial events; before every tool call, interruption
// or turn completion the accumulated deltas are flushed as one merged
// non-partial text event. Binary data and transcriptions arrive as standalone
// events. Interruption and turn completion arrive as flag-only events after
// the flush, so a non-partial event is always a safe commit point.
type Event struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`

	Content *llms.Content `json:"content,omitempty"`

	// Partial marks an incremental text delta that later deltas of the same
	// turn extend.
	Partial bool `json:"partial,omitempty"`

	InputTranscription  *llms.Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *llms.Transcription `json:"outputTranscription,omitempty"`

	FunctionCalls     []llms.FunctionCall     `json:"functionCalls,omitempty"`
	FunctionResponses []llms.FunctionResponse `json:"functionResponses,omitempty"`

	// Interrupted marks the point where generation stopped because the user
	// barged in. Anything emitted before it in the same turn is genuine
	// model output.
	Interrupted bool `json:"interrupted,omitempty"`

	// TurnComplete marks the end of a model turn. At most one per turn.
	TurnComplete bool `json:"turnComplete,omitempty"`
}

func newEvent(author string) Event {
	return Event{
		ID:        uuid.NewString(),
		Author:    author,
		Timestamp: time.Now(),
	}
}

// Text returns the concatenated text parts of the event's content, if any.
func (e Event) Text() string {
	if e.Content == nil {
		return ""
	}
	text := ""
	for _, part := range e.Content.Parts {
		text += part.Text
	}
	return text
}
