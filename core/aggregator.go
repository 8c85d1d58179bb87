package livesession

import (
	"strings"

	"github.com/koscakluka/live-core/core/llms"
	"github.com/koscakluka/live-core/internal/utils"
)

// eventAggregator folds one connection's raw response fragments into
// consumer-facing events. It owns a single text accumulator scoped to the
// current turn; the accumulator is flushed as one merged non-partial event
// before any tool call, interruption or turn completion, so non-partial events
// are a reliable commit point for consumers.
//
// The aggregator is owned by the session's receive loop and is never touched
// concurrently.
type eventAggregator struct {
	// agentName attributes model-side events. User speech transcriptions are
	// always attributed to "user" instead.
	agentName string

	buffer strings.Builder
}

func newEventAggregator(agentName string) *eventAggregator {
	return &eventAggregator{agentName: agentName}
}

// process applies the per-fragment rules and returns the events to emit, in
// order. Text fragments accumulate and surface immediately as partial deltas;
// binary data and transcriptions pass through untouched; tool calls,
// interruptions and turn completions flush the accumulator first.
func (a *eventAggregator) process(chunk llms.LiveChunk) []Event {
	switch chunk := chunk.(type) {
	case llms.TextChunk:
		a.buffer.WriteString(chunk.Text)
		event := newEvent(a.agentName)
		event.Partial = true
		event.Content = &llms.Content{Role: llms.RoleModel, Parts: []llms.Part{{Text: chunk.Text}}}
		return []Event{event}

	case llms.DataChunk:
		event := newEvent(a.agentName)
		event.Content = &llms.Content{Role: llms.RoleModel, Parts: []llms.Part{{InlineData: utils.Ptr(chunk.Blob)}}}
		return []Event{event}

	case llms.InputTranscriptionChunk:
		event := newEvent("user")
		event.InputTranscription = utils.Ptr(chunk.Transcription)
		return []Event{event}

	case llms.OutputTranscriptionChunk:
		event := newEvent(a.agentName)
		event.OutputTranscription = utils.Ptr(chunk.Transcription)
		return []Event{event}

	case llms.ToolCallChunk:
		events := a.flush()
		event := newEvent(a.agentName)
		event.FunctionCalls = chunk.FunctionCalls
		return append(events, event)

	case llms.InterruptedChunk:
		events := a.flush()
		event := newEvent(a.agentName)
		event.Interrupted = true
		return append(events, event)

	case llms.TurnCompleteChunk:
		events := a.flush()
		event := newEvent(a.agentName)
		event.TurnComplete = true
		event.Interrupted = chunk.Interrupted
		return append(events, event)
	}

	return nil
}

// flush emits the accumulated text as one merged non-partial event and resets
// the accumulator. An empty accumulator flushes to nothing.
func (a *eventAggregator) flush() []Event {
	if a.buffer.Len() == 0 {
		return nil
	}

	event := newEvent(a.agentName)
	event.Content = &llms.Content{Role: llms.RoleModel, Parts: []llms.Part{{Text: a.buffer.String()}}}
	a.buffer.Reset()
	return []Event{event}
}
