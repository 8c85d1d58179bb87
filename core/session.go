package livesession

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/koscakluka/live-core/core/llms"
)

// ErrInvocationLimitExceeded marks generation requests refused by the
// configured invocation limiter. It is terminal for the session.
var ErrInvocationLimitExceeded = errors.New("invocation limit exceeded")

// LiveClient dials live connections. [gemini.Client] is the stock
// implementation; tests substitute scripted ones.
type LiveClient interface {
	Connect(ctx context.Context, opts ...llms.LiveOption) (llms.LiveConnection, error)
}

// InvocationLimiter caps how many model generations a session may trigger.
// The counter itself lives with the caller; the session only consults it
// before each generation-triggering send and treats a refusal as terminal.
type InvocationLimiter interface {
	// Invoke claims one model invocation. A non-nil error refuses it.
	Invoke() error
}

// Session holds one live, interruptible conversation with a streaming model.
//
// Producers push requests through the Send methods from any goroutine; a
// single send loop drains them to the connection in strict enqueue order. The
// receive loop runs inside [Session.Stream]'s iterator and surfaces aggregated
// events upward, also in order. A graceful remote close is bridged
// transparently when the server advertised a resumption handle; everything
// else ends the session.
type Session struct {
	client LiveClient
	queue  *RequestQueue

	conn   llms.LiveConnection
	connMu sync.Mutex
	// connSwapped is closed and replaced whenever the connection is swapped;
	// a dispatch refused by a dying connection waits on it for the
	// replacement.
	connSwapped chan struct{}

	state      atomic.Int32
	resumption resumptionCache

	closeRequested atomic.Bool
	turnInFlight   atomic.Bool

	terminalMu  sync.Mutex
	terminalErr error

	agentName   string
	liveOptions []llms.LiveOption
	limiter     InvocationLimiter
	audioInput  audioInput
	audioOutput audioOutput

	streamOptions StreamOptions
	closeOnce     sync.Once
	baseContext   context.Context
}

// NewSession builds a session around the given client. Nothing is dialed
// until [Session.Stream] is iterated.
func NewSession(client LiveClient, opts ...SessionOption) *Session {
	s := &Session{
		client:      client,
		queue:       NewRequestQueue(),
		agentName:   defaultAgentName,
		baseContext: context.Background(),
		connSwapped: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	for _, opt := range opts {
		opt(s)
	}

	s.audioInput.onChunk = func(blob llms.Blob) {
		// Capture keeps running across turn boundaries; a full queue or a
		// closed session just drops the chunk.
		_ = s.SendRealtime(blob)
	}

	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Send enqueues one request without blocking. Requests reach the model in
// enqueue order.
func (s *Session) Send(req llms.LiveRequest) error { return s.queue.Send(req) }

// SendContent enqueues a complete, turn-ending message. This is the only
// producer path that triggers generation directly.
func (s *Session) SendContent(content llms.Content) error { return s.queue.SendContent(content) }

// SendText enqueues plain text as a turn-ending user message.
func (s *Session) SendText(text string) error {
	return s.queue.SendContent(llms.TextContent(text))
}

// SendToolResponses enqueues tool execution results for the model to resume
// generating with.
func (s *Session) SendToolResponses(responses ...llms.FunctionResponse) error {
	return s.queue.SendContent(llms.FunctionResponseContent(responses...))
}

// SendRealtime enqueues one fragment of continuous media.
func (s *Session) SendRealtime(blob llms.Blob) error { return s.queue.SendRealtime(blob) }

// StartActivity enqueues an explicit user-activity start marker. Only
// meaningful when the connection runs with manual activity detection.
func (s *Session) StartActivity() error { return s.queue.SendActivityStart() }

// EndActivity enqueues an explicit user-activity end marker.
func (s *Session) EndActivity() error { return s.queue.SendActivityEnd() }

// Close requests an orderly session end. The close request is ordered behind
// everything already enqueued; the send loop stops once it dequeues it while
// the receive loop keeps delivering the in-flight turn to completion. The
// cached resumption handle is discarded so a later graceful remote close can
// not resurrect the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.resumption.discard()
		if err := s.queue.Close(); err != nil {
			recordContextSpanError(s.baseContext, fmt.Errorf("failed to close request queue: %w", err))
		}
		if err := s.audioInput.Close(); err != nil {
			recordContextSpanError(s.baseContext, fmt.Errorf("failed to close audio input: %w", err))
		}
	})
}

// Stream drives the session and iterates its events. Iterating dials the
// connection, starts the send loop and runs the receive loop in the caller's
// goroutine; events arrive strictly in generation order. The sequence ends
// when the session closes; a terminal failure is yielded as the final
// element. Breaking out of the loop abandons the session.
//
// Contract: call Stream at most once per session instance.
func (s *Session) Stream(ctx context.Context, opts ...StreamOption) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, span := tracer.Start(ctx, "stream live session")
		defer span.End()

		s.streamOptions = StreamOptions{}
		for _, opt := range opts {
			opt(&s.streamOptions)
		}
		s.baseContext = ctx

		defer s.shutdown()

		s.setState(StateConnecting)
		conn, err := s.client.Connect(ctx, s.liveOptions...)
		if err != nil {
			err = fmt.Errorf("failed to open live connection: %w", err)
			recordSpanError(span, err)
			yield(Event{}, err)
			return
		}
		s.swapConnection(conn)
		s.setState(StateStreaming)

		if err := s.primeConnection(ctx, conn); err != nil {
			recordSpanError(span, err)
			yield(Event{}, err)
			return
		}

		sendCtx, cancelSend := context.WithCancel(ctx)
		defer cancelSend()
		go func() {
			if err := panicSafeNamedWorker("send loop", s.sendLoop)(sendCtx); err != nil {
				s.failSession(err)
			}
		}()

		s.audioInput.Start(ctx)

		aggregator := newEventAggregator(s.agentName)
		for {
			finished, ok := s.receiveOnce(ctx, aggregator, yield)
			if !ok || finished {
				return
			}

			// The connection ended gracefully and the session is still live;
			// bridge it with a resumption dial when the server gave us one.
			handle, cached := s.resumption.latest()
			if !cached {
				span.AddEvent("graceful close without resumption handle")
				return
			}

			s.setState(StateReconnecting)
			conn, err := s.reconnect(ctx, handle)
			if err != nil {
				recordSpanError(span, err)
				yield(Event{}, err)
				return
			}
			s.swapConnection(conn)
			s.setState(StateStreaming)
			span.AddEvent("reconnected live session")
		}
	}
}

// receiveOnce drains one connection's response sequence. It reports whether
// the session is finished and whether the consumer is still iterating.
func (s *Session) receiveOnce(ctx context.Context, aggregator *eventAggregator, yield func(Event, error) bool) (finished, ok bool) {
	for chunk, err := range s.connection().Receive(ctx) {
		if err != nil {
			// Abrupt transport failure: terminal, no retry at this layer.
			recordContextSpanError(ctx, err)
			return true, yield(Event{}, err)
		}

		switch chunk := chunk.(type) {
		case llms.ResumptionUpdateChunk:
			s.resumption.store(chunk)
			continue
		case llms.GoAwayChunk:
			logger.InfoContext(ctx, "server announced connection termination", "timeLeft", chunk.TimeLeft)
			if s.streamOptions.onGoAway != nil {
				s.streamOptions.onGoAway(chunk.TimeLeft)
			}
			continue
		case llms.TextChunk, llms.DataChunk, llms.ToolCallChunk:
			s.turnInFlight.Store(true)
		}

		_, turnComplete := chunk.(llms.TurnCompleteChunk)

		for _, event := range aggregator.process(chunk) {
			s.dispatch(event)
			if !yield(event, nil) {
				return true, false
			}
		}

		if turnComplete {
			s.turnInFlight.Store(false)
			if s.closeRequested.Load() {
				// Scenario: close requested mid-turn; the turn just drained.
				return true, true
			}
		}
	}

	if err := s.takeTerminalErr(); err != nil {
		recordContextSpanError(ctx, err)
		return true, yield(Event{}, err)
	}
	if ctx.Err() != nil || s.closeRequested.Load() {
		return true, true
	}
	return false, true
}

// sendLoop drains the request queue into the live connection until the close
// request is dequeued or the context ends. Dequeued requests were already
// validated on enqueue, so every dispatch failure here is a connection or
// policy failure and is terminal.
func (s *Session) sendLoop(ctx context.Context) error {
	for {
		req, err := s.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if req.Close {
			s.closeRequested.Store(true)
			if !s.turnInFlight.Load() {
				// Nothing to drain; closing the connection ends the receive
				// sequence right away.
				s.connection().Close()
			}
			return nil
		}

		if err := s.dispatchRequest(ctx, req); err != nil {
			if s.closeRequested.Load() {
				return nil
			}
			return err
		}
	}
}

// dispatchRequest delivers one request to the live connection. A send refused
// because the connection already ended can race a transparent reconnect; the
// request then waits for the replacement connection and is re-dispatched, so
// enqueue order survives the swap and nothing lands on the dead socket.
func (s *Session) dispatchRequest(ctx context.Context, req llms.LiveRequest) error {
	if req.Content != nil && s.limiter != nil {
		if err := s.limiter.Invoke(); err != nil {
			return fmt.Errorf("%w: %s", ErrInvocationLimitExceeded, err)
		}
	}

	for {
		conn, swapped := s.currentConnection()

		err := sendRequest(ctx, conn, req)
		if err == nil {
			if req.Content != nil {
				s.turnInFlight.Store(true)
			}
			return nil
		}
		if !errors.Is(err, llms.ErrConnectionClosed) {
			return err
		}

		select {
		case <-swapped:
		case <-ctx.Done():
			return err
		}
	}
}

func sendRequest(ctx context.Context, conn llms.LiveConnection, req llms.LiveRequest) error {
	switch {
	case req.Content != nil:
		return conn.SendContent(ctx, *req.Content)
	case req.Blob != nil:
		return conn.SendRealtime(ctx, *req.Blob)
	case req.ActivityStart != nil:
		return conn.SendActivityStart(ctx)
	case req.ActivityEnd != nil:
		return conn.SendActivityEnd(ctx)
	}

	return nil
}

// primeConnection replays configured history and enqueues the initial message
// before the send loop starts, so both precede any producer requests.
func (s *Session) primeConnection(ctx context.Context, conn llms.LiveConnection) error {
	if len(s.streamOptions.history) > 0 {
		if err := conn.SendHistory(ctx, s.streamOptions.history); err != nil {
			return fmt.Errorf("failed to prime conversation history: %w", err)
		}
	}

	if s.streamOptions.initialMessage != "" {
		if err := s.SendText(s.streamOptions.initialMessage); err != nil {
			return fmt.Errorf("failed to enqueue initial message: %w", err)
		}
	}

	return nil
}

// dispatch runs the registered callbacks and side effects for one event
// before it is yielded. Inline audio goes to the playback client; an
// interruption clears whatever playback had buffered so barge-in cuts the
// voice off instead of letting it finish.
func (s *Session) dispatch(event Event) {
	opts := &s.streamOptions

	if opts.onEvent != nil {
		opts.onEvent(event)
	}

	if event.Content != nil {
		text := event.Text()
		if text != "" {
			if event.Partial && opts.onPartialResponse != nil {
				opts.onPartialResponse(text)
			}
			if !event.Partial && opts.onResponse != nil {
				opts.onResponse(text)
			}
		}

		for _, part := range event.Content.Parts {
			if part.InlineData == nil {
				continue
			}
			s.audioOutput.SendAudio(part.InlineData.Data)
			if opts.onAudio != nil {
				opts.onAudio(part.InlineData.Data)
			}
		}
	}

	if event.InputTranscription != nil && opts.onInputTranscription != nil {
		opts.onInputTranscription(event.InputTranscription.Text)
	}
	if event.OutputTranscription != nil && opts.onOutputTranscription != nil {
		opts.onOutputTranscription(event.OutputTranscription.Text)
	}

	if len(event.FunctionCalls) > 0 && opts.onToolCall != nil {
		opts.onToolCall(event.FunctionCalls)
	}

	if event.Interrupted {
		s.audioOutput.Clear()
		if opts.onInterrupted != nil {
			opts.onInterrupted()
		}
	}

	if event.TurnComplete && opts.onTurnComplete != nil {
		opts.onTurnComplete()
	}
}

// connection returns the current adapter.
func (s *Session) connection() llms.LiveConnection {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// currentConnection returns the adapter together with the signal that fires
// when it is replaced.
func (s *Session) currentConnection() (llms.LiveConnection, <-chan struct{}) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn, s.connSwapped
}

func (s *Session) swapConnection(conn llms.LiveConnection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = conn
	close(s.connSwapped)
	s.connSwapped = make(chan struct{})
}

// failSession records a terminal failure from outside the receive loop and
// closes the connection so the receive loop observes the end promptly.
func (s *Session) failSession(err error) {
	s.terminalMu.Lock()
	if s.terminalErr == nil {
		s.terminalErr = err
	}
	s.terminalMu.Unlock()

	if conn := s.connection(); conn != nil {
		conn.Close()
	}
}

func (s *Session) takeTerminalErr() error {
	s.terminalMu.Lock()
	defer s.terminalMu.Unlock()
	err := s.terminalErr
	s.terminalErr = nil
	return err
}

// shutdown finalizes the session once the stream ends for any reason.
func (s *Session) shutdown() {
	s.Close()
	if conn := s.connection(); conn != nil {
		if err := conn.Close(); err != nil {
			recordContextSpanError(s.baseContext, fmt.Errorf("failed to close live connection: %w", err))
		}
	}
	s.setState(StateClosed)
}

func (s *Session) setState(state SessionState) {
	if SessionState(s.state.Swap(int32(state))) == state {
		return
	}
	if s.streamOptions.onStateChanged != nil {
		s.streamOptions.onStateChanged(state)
	}
}
