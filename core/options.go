package livesession

import (
	"context"
	"time"

	"github.com/koscakluka/live-core/core/audio"
	"github.com/koscakluka/live-core/core/llms"
)

// defaultAgentName attributes model-side events when no name is configured.
const defaultAgentName = "assistant"

type SessionOption func(*Session)

// WithAgentName sets the identity attached to model-side events. User speech
// transcriptions are always attributed to "user" regardless of this name.
func WithAgentName(name string) SessionOption {
	return func(s *Session) {
		if name != "" {
			s.agentName = name
		}
	}
}

// WithLiveOptions configures the connection setup: response modality,
// transcription toggles, activity detection, resumption, tools and the rest.
// The same options are replayed on reconnect dials.
func WithLiveOptions(opts ...llms.LiveOption) SessionOption {
	return func(s *Session) {
		s.liveOptions = append(s.liveOptions, opts...)
	}
}

// WithRequestQueue substitutes the session's request queue, typically for a
// bounded one when producers need a hard memory ceiling.
func WithRequestQueue(queue *RequestQueue) SessionOption {
	return func(s *Session) {
		if queue != nil {
			s.queue = queue
		}
	}
}

// WithInvocationLimiter installs a cap on generation-triggering sends. A
// refusal from the limiter ends the session.
func WithInvocationLimiter(limiter InvocationLimiter) SessionOption {
	return func(s *Session) { s.limiter = limiter }
}

// AudioInput is a capture client that produces continuous media chunks, e.g.
// a microphone. Chunks stream into the session as realtime requests.
type AudioInput interface {
	EncodingInfo() audio.EncodingInfo
	Stream(ctx context.Context, onAudio func(audio []byte)) error
	Close()
}

func WithAudioInput(client AudioInput) SessionOption {
	return func(s *Session) { s.audioInput.Set(client) }
}

// AudioOutput is a playback client for the model's audio output. ClearBuffer
// is invoked on interruption so barge-in silences the model immediately.
type AudioOutput interface {
	EncodingInfo() audio.EncodingInfo
	SendAudio(audio []byte) error
	ClearBuffer()
}

func WithAudioOutput(client AudioOutput) SessionOption {
	return func(s *Session) { s.audioOutput.Set(client) }
}

type StreamOptions struct {
	history        []llms.Content
	initialMessage string

	onEvent               func(event Event)
	onPartialResponse     func(text string)
	onResponse            func(text string)
	onAudio               func(audio []byte)
	onInputTranscription  func(transcript string)
	onOutputTranscription func(transcript string)
	onToolCall            func(calls []llms.FunctionCall)
	onInterrupted         func()
	onTurnComplete        func()
	onStateChanged        func(state SessionState)
	onGoAway              func(timeLeft time.Duration)
}

type StreamOption func(*StreamOptions)

// WithHistory primes the connection with prior conversation turns before any
// new input is sent. The model answers immediately only when the last content
// is user-authored.
func WithHistory(history ...llms.Content) StreamOption {
	return func(o *StreamOptions) {
		o.history = append(o.history, history...)
	}
}

// WithInitialMessage enqueues text as the first structured input once
// streaming starts.
func WithInitialMessage(text string) StreamOption {
	return func(o *StreamOptions) {
		o.initialMessage = text
	}
}

// WithEventCallback registers a callback invoked for every event just before
// it is yielded to the stream consumer.
func WithEventCallback(callback func(event Event)) StreamOption {
	return func(o *StreamOptions) {
		o.onEvent = callback
	}
}

// WithPartialResponseCallback registers a callback for incremental text
// deltas, suitable for live display.
func WithPartialResponseCallback(callback func(text string)) StreamOption {
	return func(o *StreamOptions) {
		o.onPartialResponse = callback
	}
}

// WithResponseCallback registers a callback for merged, finalized text
// segments. These are the per-turn commit points; partial deltas never
// survive past one.
func WithResponseCallback(callback func(text string)) StreamOption {
	return func(o *StreamOptions) {
		o.onResponse = callback
	}
}

// WithAudioCallback registers a callback for inline audio output chunks.
//
// The provided slice is passed through as-is (no defensive copy). The
// callback runs inline on the receive path and should not block.
func WithAudioCallback(callback func(audio []byte)) StreamOption {
	return func(o *StreamOptions) {
		o.onAudio = callback
	}
}

// WithInputTranscriptionCallback registers a callback for transcriptions of
// the user's input audio.
func WithInputTranscriptionCallback(callback func(transcript string)) StreamOption {
	return func(o *StreamOptions) {
		o.onInputTranscription = callback
	}
}

// WithOutputTranscriptionCallback registers a callback for transcriptions of
// the model's own audio output.
func WithOutputTranscriptionCallback(callback func(transcript string)) StreamOption {
	return func(o *StreamOptions) {
		o.onOutputTranscription = callback
	}
}

// WithToolCallCallback registers a callback for tool calls requested by the
// model. Results go back through [Session.SendToolResponses].
func WithToolCallCallback(callback func(calls []llms.FunctionCall)) StreamOption {
	return func(o *StreamOptions) {
		o.onToolCall = callback
	}
}

func WithInterruptionCallback(callback func()) StreamOption {
	return func(o *StreamOptions) {
		o.onInterrupted = callback
	}
}

func WithTurnCompleteCallback(callback func()) StreamOption {
	return func(o *StreamOptions) {
		o.onTurnComplete = callback
	}
}

// WithStateChangedCallback registers a callback for session lifecycle
// transitions.
func WithStateChangedCallback(callback func(state SessionState)) StreamOption {
	return func(o *StreamOptions) {
		o.onStateChanged = callback
	}
}

// WithGoAwayCallback registers a callback for the server's pre-termination
// notice, carrying the remaining connection time.
func WithGoAwayCallback(callback func(timeLeft time.Duration)) StreamOption {
	return func(o *StreamOptions) {
		o.onGoAway = callback
	}
}
