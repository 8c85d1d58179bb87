package livesession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/live-core/core/audio"
	"github.com/koscakluka/live-core/core/llms"
)

type scriptedChunk struct {
	chunk llms.LiveChunk
	err   error
}

// scriptedConnection is a live connection whose response stream is driven by
// the test. Sends are recorded and signalled so tests can synchronize on them.
type scriptedConnection struct {
	mu       sync.Mutex
	contents []llms.Content
	history  [][]llms.Content
	realtime []llms.Blob
	activity []string

	contentSent  chan llms.Content
	realtimeSent chan llms.Blob

	out       chan scriptedChunk
	closed    atomic.Bool
	closeOnce sync.Once
}

func newScriptedConnection() *scriptedConnection {
	return &scriptedConnection{
		contentSent:  make(chan llms.Content, 16),
		realtimeSent: make(chan llms.Blob, 16),
		out:          make(chan scriptedChunk, 64),
	}
}

func (c *scriptedConnection) emit(chunks ...llms.LiveChunk) {
	for _, chunk := range chunks {
		c.out <- scriptedChunk{chunk: chunk}
	}
}

func (c *scriptedConnection) fail(err error) {
	c.out <- scriptedChunk{err: err}
	c.endGracefully()
}

// endGracefully simulates a clean remote close, e.g. a connection time limit.
// Sends are refused from then on, like the real adapter once its read loop
// ends.
func (c *scriptedConnection) endGracefully() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.out)
	})
}

func (c *scriptedConnection) SendHistory(_ context.Context, history []llms.Content) error {
	if c.closed.Load() {
		return llms.ErrConnectionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, history)
	return nil
}

func (c *scriptedConnection) SendContent(_ context.Context, content llms.Content) error {
	if c.closed.Load() {
		return llms.ErrConnectionClosed
	}
	c.mu.Lock()
	c.contents = append(c.contents, content)
	c.mu.Unlock()
	c.contentSent <- content
	return nil
}

func (c *scriptedConnection) SendRealtime(_ context.Context, blob llms.Blob) error {
	if c.closed.Load() {
		return llms.ErrConnectionClosed
	}
	c.mu.Lock()
	c.realtime = append(c.realtime, blob)
	c.mu.Unlock()
	c.realtimeSent <- blob
	return nil
}

func (c *scriptedConnection) SendActivityStart(context.Context) error {
	if c.closed.Load() {
		return llms.ErrConnectionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activity = append(c.activity, "start")
	return nil
}

func (c *scriptedConnection) SendActivityEnd(context.Context) error {
	if c.closed.Load() {
		return llms.ErrConnectionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activity = append(c.activity, "end")
	return nil
}

func (c *scriptedConnection) Receive(ctx context.Context) func(func(llms.LiveChunk, error) bool) {
	return func(yield func(llms.LiveChunk, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-c.out:
				if !ok {
					return
				}
				if item.err != nil {
					yield(nil, item.err)
					return
				}
				if !yield(item.chunk, nil) {
					return
				}
			}
		}
	}
}

func (c *scriptedConnection) Close() error {
	c.closed.Store(true)
	c.endGracefully()
	return nil
}

func (c *scriptedConnection) sentContents() []llms.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llms.Content(nil), c.contents...)
}

// scriptedLiveClient hands out pre-built connections in dial order and
// records the options each dial was made with.
type scriptedLiveClient struct {
	mu          sync.Mutex
	connections []*scriptedConnection
	dialed      []llms.LiveOptions
	dials       int

	// dialGate, when set, blocks redials until it is closed.
	dialGate chan struct{}
}

func (c *scriptedLiveClient) Connect(_ context.Context, opts ...llms.LiveOption) (llms.LiveConnection, error) {
	options := llms.LiveOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	c.mu.Lock()
	gate := c.dialGate
	redial := c.dials > 0
	c.mu.Unlock()
	if redial && gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialed = append(c.dialed, options)
	if c.dials >= len(c.connections) {
		return nil, fmt.Errorf("no scripted connection for dial %d", c.dials)
	}
	conn := c.connections[c.dials]
	c.dials++
	return conn, nil
}

func (c *scriptedLiveClient) dialOptions() []llms.LiveOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llms.LiveOptions(nil), c.dialed...)
}

// collectStream iterates the session's stream on a goroutine, forwarding
// events and the terminal error; done closes when the stream ends.
func collectStream(ctx context.Context, s *Session, opts ...StreamOption) (events chan Event, errs chan error, done chan struct{}) {
	events = make(chan Event, 64)
	errs = make(chan error, 1)
	done = make(chan struct{})
	go func() {
		defer close(done)
		for event, err := range s.Stream(ctx, opts...) {
			if err != nil {
				errs <- err
				return
			}
			events <- event
		}
	}()
	return events, errs, done
}

func awaitEvent(t *testing.T, events chan Event, what string) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Event{}
	}
}

func awaitDone(t *testing.T, done chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestStreamDeliversPartialsMergedTextAndSingleTurnComplete(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	session := NewSession(client, WithAgentName("ema"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs, done := collectStream(ctx, session)

	if err := session.SendText("Hello"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}

	select {
	case sent := <-conn.contentSent:
		if got := sent.Parts[0].Text; got != "Hello" {
			t.Fatalf("expected the structured input on the wire, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the send loop to dispatch")
	}

	conn.emit(
		llms.TextChunk{Text: "Hi "},
		llms.TextChunk{Text: "there"},
		llms.TurnCompleteChunk{},
	)

	first := awaitEvent(t, events, "first partial event")
	if !first.Partial || first.Text() != "Hi " {
		t.Fatalf("expected the first partial delta, got %+v", first)
	}
	second := awaitEvent(t, events, "second partial event")
	if !second.Partial || second.Text() != "there" {
		t.Fatalf("expected the second partial delta, got %+v", second)
	}

	merged := awaitEvent(t, events, "merged response event")
	if merged.Partial || merged.Text() != "Hi there" {
		t.Fatalf("expected one merged non-partial event, got %+v", merged)
	}
	if merged.Author != "ema" {
		t.Fatalf("expected the agent name as author, got %q", merged.Author)
	}

	turnEnd := awaitEvent(t, events, "turn-complete event")
	if !turnEnd.TurnComplete {
		t.Fatalf("expected exactly one turn-complete event, got %+v", turnEnd)
	}

	session.Close()
	awaitDone(t, done, "stream to end after close")

	select {
	case err := <-errs:
		t.Fatalf("expected a clean close, got %v", err)
	default:
	}
	if len(conn.sentContents()) != 1 {
		t.Fatalf("expected exactly one outgoing structured send, got %d", len(conn.sentContents()))
	}
	if got := session.State(); got != StateClosed {
		t.Fatalf("expected the session closed, got %v", got)
	}
}

func TestStreamFlushesPendingTextBeforeInterruption(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	session := NewSession(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, done := collectStream(ctx, session)

	if err := session.SendText("Tell me about X"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	<-conn.contentSent

	conn.emit(llms.TextChunk{Text: "X is a topic that"})
	awaitEvent(t, events, "partial event before barge-in")

	// The user barges in mid-utterance.
	if err := session.SendRealtime(llms.Blob{MIMEType: "audio/pcm;rate=16000", Data: []byte{0x01}}); err != nil {
		t.Fatalf("expected realtime send to succeed, got %v", err)
	}
	select {
	case <-conn.realtimeSent:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the realtime chunk to dispatch")
	}

	conn.emit(llms.InterruptedChunk{}, llms.TurnCompleteChunk{})

	flushed := awaitEvent(t, events, "flushed text before interruption")
	if flushed.Partial || flushed.Text() != "X is a topic that" {
		t.Fatalf("expected pending partial text flushed first, got %+v", flushed)
	}
	interrupted := awaitEvent(t, events, "interruption event")
	if !interrupted.Interrupted || interrupted.TurnComplete {
		t.Fatalf("expected a standalone interruption event, got %+v", interrupted)
	}
	turnEnd := awaitEvent(t, events, "turn-complete event")
	if !turnEnd.TurnComplete {
		t.Fatalf("expected the turn to complete after the interruption, got %+v", turnEnd)
	}

	session.Close()
	awaitDone(t, done, "stream to end")
}

func TestCloseMidTurnStopsSendingButDrainsInFlightTurn(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	session := NewSession(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs, done := collectStream(ctx, session)

	if err := session.SendText("long answer please"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	<-conn.contentSent

	conn.emit(llms.TextChunk{Text: "part one, "})
	awaitEvent(t, events, "first partial before close")

	session.Close()

	if err := session.SendText("after close"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected sends after close to fail fast, got %v", err)
	}

	// Give the send loop a moment to dequeue the close request before the
	// turn finishes, then keep draining the in-flight turn.
	time.Sleep(50 * time.Millisecond)
	conn.emit(llms.TextChunk{Text: "part two"}, llms.TurnCompleteChunk{})

	awaitEvent(t, events, "second partial after close")
	merged := awaitEvent(t, events, "merged event after close")
	if merged.Text() != "part one, part two" {
		t.Fatalf("expected the full turn drained, got %q", merged.Text())
	}
	turnEnd := awaitEvent(t, events, "turn-complete event after close")
	if !turnEnd.TurnComplete {
		t.Fatalf("expected the in-flight turn to complete, got %+v", turnEnd)
	}

	awaitDone(t, done, "stream to end once the turn drained")
	select {
	case err := <-errs:
		t.Fatalf("expected a clean close, got %v", err)
	default:
	}
	if got := len(conn.sentContents()); got != 1 {
		t.Fatalf("expected nothing sent after the close request, got %d sends", got)
	}
}

func TestGracefulCloseWithHandleReconnectsTransparently(t *testing.T) {
	conn1 := newScriptedConnection()
	conn2 := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn1, conn2}}
	session := NewSession(client, WithLiveOptions(llms.WithSessionResumption()))

	states := make(chan SessionState, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs, done := collectStream(ctx, session, WithStateChangedCallback(func(state SessionState) {
		states <- state
	}))

	if err := session.SendText("Hello"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	<-conn1.contentSent

	conn1.emit(
		llms.ResumptionUpdateChunk{Handle: "handle-1", Resumable: true},
		llms.TextChunk{Text: "part one "},
	)
	awaitEvent(t, events, "partial before the graceful close")

	// The server hits its connection time limit mid-turn.
	conn1.endGracefully()

	conn2.emit(llms.TextChunk{Text: "part two"}, llms.TurnCompleteChunk{})

	second := awaitEvent(t, events, "partial after reconnect")
	if second.Text() != "part two" {
		t.Fatalf("expected the post-reconnect delta, got %+v", second)
	}
	merged := awaitEvent(t, events, "merged event spanning the reconnect")
	if merged.Partial || merged.Text() != "part one part two" {
		t.Fatalf("expected text merged across the reconnect without loss or duplication, got %+v", merged)
	}
	turnEnd := awaitEvent(t, events, "turn-complete event")
	if !turnEnd.TurnComplete {
		t.Fatalf("expected the turn to complete on the new connection, got %+v", turnEnd)
	}

	dials := client.dialOptions()
	if len(dials) != 2 {
		t.Fatalf("expected exactly two dials, got %d", len(dials))
	}
	if dials[0].ResumptionHandle != "" {
		t.Fatalf("expected the first dial without a handle, got %q", dials[0].ResumptionHandle)
	}
	if dials[1].ResumptionHandle != "handle-1" {
		t.Fatalf("expected the reconnect dial to carry the cached handle, got %q", dials[1].ResumptionHandle)
	}

	session.Close()
	awaitDone(t, done, "stream to end after close")
	select {
	case err := <-errs:
		t.Fatalf("expected a clean close, got %v", err)
	default:
	}

	time.Sleep(50 * time.Millisecond)
	observed := []SessionState{}
	for {
		select {
		case state := <-states:
			observed = append(observed, state)
			continue
		default:
		}
		break
	}
	want := []SessionState{StateStreaming, StateReconnecting, StateStreaming, StateClosed}
	if len(observed) != len(want) {
		t.Fatalf("expected state transitions %v, got %v", want, observed)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("expected state transitions %v, got %v", want, observed)
		}
	}
}

func TestRealtimeSendDuringReconnectLandsOnReplacementConnection(t *testing.T) {
	conn1 := newScriptedConnection()
	conn2 := newScriptedConnection()
	gate := make(chan struct{})
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn1, conn2}, dialGate: gate}
	session := NewSession(client, WithLiveOptions(llms.WithSessionResumption()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, errs, done := collectStream(ctx, session)

	conn1.emit(llms.ResumptionUpdateChunk{Handle: "handle-1", Resumable: true})
	time.Sleep(50 * time.Millisecond)
	conn1.endGracefully()

	// The redial is still gated; the chunk has to wait for the replacement
	// connection instead of dying on the old one.
	if err := session.SendRealtime(llms.Blob{MIMEType: "audio/pcm;rate=16000", Data: []byte{0x2a}}); err != nil {
		t.Fatalf("expected realtime send to succeed, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	select {
	case blob := <-conn2.realtimeSent:
		if len(blob.Data) != 1 || blob.Data[0] != 0x2a {
			t.Fatalf("expected the queued chunk on the new connection, got %v", blob.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the chunk on the replacement connection")
	}

	conn1.mu.Lock()
	staleWrites := len(conn1.realtime)
	conn1.mu.Unlock()
	if staleWrites != 0 {
		t.Fatalf("expected no writes on the dead connection, got %d", staleWrites)
	}

	session.Close()
	awaitDone(t, done, "stream to end")
	select {
	case err := <-errs:
		t.Fatalf("expected a clean close, got %v", err)
	default:
	}
}

func TestGracefulCloseWithoutHandleEndsSessionCleanly(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	session := NewSession(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs, done := collectStream(ctx, session)

	conn.emit(llms.TextChunk{Text: "short"}, llms.TurnCompleteChunk{})
	awaitEvent(t, events, "partial event")
	awaitEvent(t, events, "merged event")
	awaitEvent(t, events, "turn-complete event")

	conn.endGracefully()

	awaitDone(t, done, "stream to end without reconnecting")
	select {
	case err := <-errs:
		t.Fatalf("expected the graceful close without a handle to be a clean end, got %v", err)
	default:
	}
	if got := session.State(); got != StateClosed {
		t.Fatalf("expected the session closed, got %v", got)
	}
	if dials := client.dialOptions(); len(dials) != 1 {
		t.Fatalf("expected no reconnect dial, got %d dials", len(dials))
	}
}

func TestAbruptConnectionFailureSurfacesTerminalError(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	session := NewSession(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, errs, done := collectStream(ctx, session)

	transportErr := errors.New("connection reset by peer")
	conn.fail(transportErr)

	select {
	case err := <-errs:
		if !errors.Is(err, transportErr) {
			t.Fatalf("expected the transport error surfaced, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the terminal error")
	}
	awaitDone(t, done, "stream to end after the failure")
	if got := session.State(); got != StateClosed {
		t.Fatalf("expected the session closed, got %v", got)
	}
}

func TestConnectFailureSurfacesError(t *testing.T) {
	client := &scriptedLiveClient{}
	session := NewSession(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, errs, done := collectStream(ctx, session)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected a dial error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the dial error")
	}
	awaitDone(t, done, "stream to end after the dial failure")
}

type refusingLimiter struct {
	allowed atomic.Int32
}

func (l *refusingLimiter) Invoke() error {
	if l.allowed.Add(-1) >= 0 {
		return nil
	}
	return errors.New("session invocation budget spent")
}

func TestInvocationLimitIsTerminal(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	limiter := &refusingLimiter{}
	limiter.allowed.Store(1)
	session := NewSession(client, WithInvocationLimiter(limiter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs, done := collectStream(ctx, session)

	if err := session.SendText("first"); err != nil {
		t.Fatalf("expected the first send to succeed, got %v", err)
	}
	<-conn.contentSent
	conn.emit(llms.TurnCompleteChunk{})
	awaitEvent(t, events, "first turn-complete event")

	if err := session.SendText("second"); err != nil {
		t.Fatalf("expected the enqueue itself to succeed, got %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrInvocationLimitExceeded) {
			t.Fatalf("expected ErrInvocationLimitExceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the invocation limit error")
	}
	awaitDone(t, done, "stream to end after the limit")
	if got := len(conn.sentContents()); got != 1 {
		t.Fatalf("expected the refused invocation never to reach the wire, got %d sends", got)
	}
}

func TestStreamSendsInitialMessageAndHistory(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	session := NewSession(client)

	history := []llms.Content{
		llms.TextContent("earlier question"),
		{Role: llms.RoleModel, Parts: []llms.Part{{Text: "earlier answer"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _, done := collectStream(ctx, session,
		WithHistory(history...),
		WithInitialMessage("and now continue"),
	)

	select {
	case sent := <-conn.contentSent:
		if got := sent.Parts[0].Text; got != "and now continue" {
			t.Fatalf("expected the initial message on the wire, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the initial message")
	}

	conn.mu.Lock()
	primed := len(conn.history)
	conn.mu.Unlock()
	if primed != 1 {
		t.Fatalf("expected the history primed exactly once, got %d", primed)
	}

	conn.endGracefully()
	awaitDone(t, done, "stream to end")
}

type scriptedAudioOutput struct {
	mu      sync.Mutex
	audio   [][]byte
	cleared atomic.Int32
}

func (c *scriptedAudioOutput) EncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: 24000, Format: audio.EncodingLinear16}
}

func (c *scriptedAudioOutput) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, append([]byte(nil), chunk...))
	return nil
}

func (c *scriptedAudioOutput) ClearBuffer() {
	c.cleared.Add(1)
}

func TestInterruptionClearsPlaybackBuffer(t *testing.T) {
	conn := newScriptedConnection()
	client := &scriptedLiveClient{connections: []*scriptedConnection{conn}}
	playback := &scriptedAudioOutput{}
	session := NewSession(client, WithAudioOutput(playback))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, done := collectStream(ctx, session)

	conn.emit(llms.DataChunk{Blob: llms.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{0x0a, 0x0b}}})
	audioEvent := awaitEvent(t, events, "audio event")
	if audioEvent.Content == nil || audioEvent.Content.Parts[0].InlineData == nil {
		t.Fatalf("expected an inline audio event, got %+v", audioEvent)
	}

	conn.emit(llms.InterruptedChunk{}, llms.TurnCompleteChunk{Interrupted: true})
	awaitEvent(t, events, "interruption event")
	awaitEvent(t, events, "turn-complete event")

	time.Sleep(50 * time.Millisecond)
	playback.mu.Lock()
	forwarded := len(playback.audio)
	playback.mu.Unlock()
	if forwarded != 1 {
		t.Fatalf("expected one audio chunk forwarded to playback, got %d", forwarded)
	}
	if got := playback.cleared.Load(); got == 0 {
		t.Fatalf("expected the playback buffer cleared on interruption")
	}

	session.Close()
	awaitDone(t, done, "stream to end")
}
