package llms

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionClosed marks send attempts on a live connection that has
// already been closed.
var ErrConnectionClosed = errors.New("live connection closed")

// LiveConnection is one physical bidirectional connection to a streaming
// model. Implementations translate application-level sends into wire messages
// and wire responses into [LiveChunk] values; they do no aggregation.
type LiveConnection interface {
	// SendHistory primes the connection with prior conversation turns. The
	// model responds immediately only when the last content is user-authored;
	// otherwise it waits for new input.
	SendHistory(ctx context.Context, history []Content) error

	// SendContent sends a complete message and asks the model to respond.
	// Contents made solely of function responses are delivered as tool
	// results; everything else is delivered as a turn-ending user message.
	// This is the only send that triggers generation directly.
	SendContent(ctx context.Context, content Content) error

	// SendRealtime sends one fragment of continuous media. It carries no turn
	// semantics; the model may start responding before the stream ends.
	SendRealtime(ctx context.Context, blob Blob) error

	// SendActivityStart marks the explicit beginning of user activity. Only
	// valid when automatic activity detection is disabled.
	SendActivityStart(ctx context.Context) error

	// SendActivityEnd marks the explicit end of user activity. Only valid
	// when automatic activity detection is disabled.
	SendActivityEnd(ctx context.Context) error

	// Receive returns the connection's response sequence. The sequence is
	// lazy and can be re-entered on the same connection after an early break;
	// it never restarts across connections. A graceful remote close ends the
	// sequence without yielding an error; any other transport failure is
	// yielded before the sequence ends.
	Receive(ctx context.Context) func(func(LiveChunk, error) bool)

	// Close terminates the connection. Subsequent sends fail with
	// [ErrConnectionClosed].
	Close() error
}

// LiveChunk is one raw response fragment decoded from the wire. The concrete
// variants below are the only implementations; consumers switch over them
// exhaustively.
type LiveChunk interface {
	liveChunk()
}

// TextChunk is an incremental piece of the model's text output.
type TextChunk struct {
	Text string
}

// DataChunk is inline binary output, typically synthesized audio.
type DataChunk struct {
	Blob Blob
}

// InputTranscriptionChunk is the model's transcription of user input audio.
type InputTranscriptionChunk struct {
	Transcription Transcription
}

// OutputTranscriptionChunk is the model's transcription of its own audio
// output.
type OutputTranscriptionChunk struct {
	Transcription Transcription
}

// ToolCallChunk asks for one or more declared tools to be executed.
type ToolCallChunk struct {
	FunctionCalls []FunctionCall
}

// InterruptedChunk signals that new input cut the in-flight turn short.
type InterruptedChunk struct{}

// TurnCompleteChunk ends the current model turn. Interrupted is set when the
// turn was cut short and both signals arrived in the same wire message.
type TurnCompleteChunk struct {
	Interrupted bool
}

// ResumptionUpdateChunk advertises a fresh session resumption handle. The
// latest handle always supersedes earlier ones.
type ResumptionUpdateChunk struct {
	Handle    string
	Resumable bool
}

// GoAwayChunk announces that the server will terminate the connection soon.
type GoAwayChunk struct {
	TimeLeft time.Duration
}

func (TextChunk) liveChunk()                {}
func (DataChunk) liveChunk()                {}
func (InputTranscriptionChunk) liveChunk()  {}
func (OutputTranscriptionChunk) liveChunk() {}
func (ToolCallChunk) liveChunk()            {}
func (InterruptedChunk) liveChunk()         {}
func (TurnCompleteChunk) liveChunk()        {}
func (ResumptionUpdateChunk) liveChunk()    {}
func (GoAwayChunk) liveChunk()              {}
