package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jinzhu/copier"
	"github.com/koscakluka/live-core/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	bidiEndpointPath = "/ws/google.ai.generativelanguage." + apiVersion + ".GenerativeService.BidiGenerateContent"

	liveChunkQueueCapacity = 32

	closeWriteTimeout = time.Second
)

// Connect dials one live connection, performs the setup handshake and starts
// the read loop. The returned connection is ready for sends and for a single
// logical receiver.
func (c *Client) Connect(ctx context.Context, opts ...llms.LiveOption) (llms.LiveConnection, error) {
	ctx, span := tracer.Start(ctx, "connect live session")
	defer span.End()
	span.SetAttributes(attribute.String("request.model", c.model))

	options := llms.LiveOptions{ResponseModality: llms.ModalityText}
	for _, opt := range opts {
		opt(&options)
	}

	conn, err := c.dialWebsocket(ctx)
	if err != nil {
		err = fmt.Errorf("failed to open websocket: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	setup := c.setupMessage(options)
	if err := conn.WriteJSON(clientMessage{Setup: setup}); err != nil {
		conn.Close()
		err = fmt.Errorf("failed to send setup message: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// The server acknowledges setup before anything else; surfacing a bad
	// setup here beats decoding garbage in the read loop later.
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		err = fmt.Errorf("failed to read setup acknowledgement: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var ack serverMessage
	if err := json.Unmarshal(msg, &ack); err != nil || ack.SetupComplete == nil {
		conn.Close()
		err = fmt.Errorf("live session setup was not acknowledged")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if options.ResumptionHandle != "" {
		span.AddEvent("resumed prior session")
	}

	live := &liveConnection{
		conn:    conn,
		chunks:  make(chan chunkItem, liveChunkQueueCapacity),
		closeCh: make(chan struct{}),
	}
	go live.readAndProcessMessages()

	return live, nil
}

func (c *Client) dialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	liveUrl := url.URL{Scheme: "wss", Host: c.host, Path: bidiEndpointPath}
	queryParams := liveUrl.Query()
	if c.accessToken != "" {
		queryParams.Set("access_token", c.accessToken)
	} else {
		queryParams.Set("key", c.apiKey)
	}
	liveUrl.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, liveUrl.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to gemini: %w", err)
	}

	return conn, nil
}

func (c *Client) setupMessage(options llms.LiveOptions) *setupMessage {
	setup := &setupMessage{
		Model: c.qualifiedModel(),
		GenerationConfig: &generationConfig{
			ResponseModalities: []llms.Modality{options.ResponseModality},
		},
	}

	if options.SystemInstruction != "" {
		setup.SystemInstruction = &llms.Content{Parts: []llms.Part{{Text: options.SystemInstruction}}}
	}

	if options.Tools != nil {
		var tools []llms.Tool
		copier.Copy(&tools, options.Tools)
		declarations := make([]functionDeclaration, 0, len(tools))
		for _, tool := range tools {
			declarations = append(declarations, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		setup.Tools = []toolDeclarations{{FunctionDeclarations: declarations}}
	}

	if options.ManualActivityDetection {
		setup.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: &automaticActivityDetection{Disabled: true},
		}
	}

	if options.SessionResumption || options.ResumptionHandle != "" {
		setup.SessionResumption = &sessionResumptionConfig{
			Transparent: true,
			Handle:      options.ResumptionHandle,
		}
	}

	if options.InputTranscription {
		setup.InputAudioTranscription = &transcriptionConfig{}
	}
	if options.OutputTranscription {
		setup.OutputAudioTranscription = &transcriptionConfig{}
	}

	if options.ProactiveAudio {
		setup.Proactivity = &proactivityConfig{ProactiveAudio: true}
	}
	setup.EnableAffectiveDialog = options.AffectiveDialog

	return setup
}

type chunkItem struct {
	chunk llms.LiveChunk
	err   error
}

type liveConnection struct {
	conn   *websocket.Conn
	connMu sync.Mutex

	chunks  chan chunkItem
	closeCh chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *liveConnection) SendContent(ctx context.Context, content llms.Content) error {
	_, span := tracer.Start(ctx, "send content")
	defer span.End()

	if len(content.Parts) == 0 {
		err := fmt.Errorf("structured content requires at least one part: %w", llms.ErrMalformedRequest)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if content.IsFunctionResponsesOnly() {
		responses := make([]llms.FunctionResponse, 0, len(content.Parts))
		for _, part := range content.Parts {
			responses = append(responses, *part.FunctionResponse)
		}
		span.SetAttributes(attribute.Int("request.function_responses", len(responses)))
		return c.sendClientMessage(clientMessage{
			ToolResponse: &toolResponse{FunctionResponses: responses},
		})
	}

	if content.HasFunctionResponse() {
		err := fmt.Errorf("content mixes function responses with other parts: %w", llms.ErrMalformedRequest)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return c.sendClientMessage(clientMessage{
		ClientContent: &clientContent{
			Turns:        []llms.Content{content},
			TurnComplete: true,
		},
	})
}

func (c *liveConnection) SendHistory(ctx context.Context, history []llms.Content) error {
	_, span := tracer.Start(ctx, "send history")
	defer span.End()
	span.SetAttributes(attribute.Int("request.history_length", len(history)))

	if len(history) == 0 {
		return nil
	}

	// The model only answers immediately when the last primed content is the
	// user's; otherwise it waits for fresh input.
	turnComplete := history[len(history)-1].Role == llms.RoleUser
	if err := c.sendClientMessage(clientMessage{
		ClientContent: &clientContent{
			Turns:        history,
			TurnComplete: turnComplete,
		},
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *liveConnection) SendRealtime(_ context.Context, blob llms.Blob) error {
	return c.sendClientMessage(clientMessage{
		RealtimeInput: &realtimeInput{MediaChunks: []llms.Blob{blob}},
	})
}

func (c *liveConnection) SendActivityStart(context.Context) error {
	return c.sendClientMessage(clientMessage{
		RealtimeInput: &realtimeInput{ActivityStart: &activityMarker{}},
	})
}

func (c *liveConnection) SendActivityEnd(context.Context) error {
	return c.sendClientMessage(clientMessage{
		RealtimeInput: &realtimeInput{ActivityEnd: &activityMarker{}},
	})
}

func (c *liveConnection) sendClientMessage(msg clientMessage) error {
	if c.closed.Load() {
		return llms.ErrConnectionClosed
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to live connection: %w", err)
	}
	return nil
}

// Receive iterates the connection's decoded response fragments. Breaking out
// and iterating again continues from the next undelivered fragment. The
// sequence ends cleanly on a graceful remote close and after yielding the
// error on any other transport failure.
func (c *liveConnection) Receive(ctx context.Context) func(func(llms.LiveChunk, error) bool) {
	return func(yield func(llms.LiveChunk, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-c.chunks:
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

func (c *liveConnection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)

		c.connMu.Lock()
		defer c.connMu.Unlock()

		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		closeErr = c.conn.Close()
	})
	return closeErr
}

func (c *liveConnection) readAndProcessMessages() {
	defer close(c.chunks)
	// Once the read loop ends the connection cannot carry a conversation
	// either way; refuse further sends fast instead of writing into a dead
	// socket.
	defer c.closed.Store(true)

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}

			c.pushChunk(chunkItem{err: fmt.Errorf("failed to read live connection message: %w", err)})
			return
		}
		if msgType == websocket.BinaryMessage || msgType == websocket.TextMessage {
			c.processMessage(msg)
		}
	}
}

func (c *liveConnection) processMessage(msg []byte) {
	var parsedMsg serverMessage
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		log.Println("Failed to unmarshal live server message", "error", err)
		return
	}

	if parsedMsg.ToolCallCancellation != nil {
		logger.Debug("tool call cancellation received", "ids", parsedMsg.ToolCallCancellation.IDs)
	}
	if parsedMsg.GoAway != nil {
		logger.Debug("server going away", "timeLeft", parsedMsg.GoAway.TimeLeft)
	}

	for _, chunk := range parsedMsg.chunks() {
		if !c.pushChunk(chunkItem{chunk: chunk}) {
			return
		}
	}
}

func (c *liveConnection) pushChunk(item chunkItem) bool {
	select {
	case <-c.closeCh:
		return false
	case c.chunks <- item:
		return true
	}
}
