package gemini

import (
	"time"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/live-core/core/llms"
)

// Wire shapes for the BidiGenerateContent websocket protocol. Every frame in
// either direction is a JSON object with exactly one of the top-level fields
// populated.

type clientMessage struct {
	Setup         *setupMessage  `json:"setup,omitempty"`
	ClientContent *clientContent `json:"clientContent,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *toolResponse  `json:"toolResponse,omitempty"`
}

type setupMessage struct {
	Model                    string                   `json:"model"`
	GenerationConfig         *generationConfig        `json:"generationConfig,omitempty"`
	SystemInstruction        *llms.Content            `json:"systemInstruction,omitempty"`
	Tools                    []toolDeclarations       `json:"tools,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig     `json:"realtimeInputConfig,omitempty"`
	SessionResumption        *sessionResumptionConfig `json:"sessionResumption,omitempty"`
	InputAudioTranscription  *transcriptionConfig     `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionConfig     `json:"outputAudioTranscription,omitempty"`
	Proactivity              *proactivityConfig       `json:"proactivity,omitempty"`
	EnableAffectiveDialog    bool                     `json:"enableAffectiveDialog,omitempty"`
}

type generationConfig struct {
	ResponseModalities []llms.Modality `json:"responseModalities,omitempty"`
}

type toolDeclarations struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *automaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

type automaticActivityDetection struct {
	Disabled bool `json:"disabled,omitempty"`
}

type sessionResumptionConfig struct {
	// Transparent asks the server for handles that can resume mid-turn
	// without replaying already-delivered output.
	Transparent bool   `json:"transparent,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

type transcriptionConfig struct{}

type proactivityConfig struct {
	ProactiveAudio bool `json:"proactiveAudio,omitempty"`
}

type clientContent struct {
	Turns        []llms.Content `json:"turns,omitempty"`
	TurnComplete bool           `json:"turnComplete,omitempty"`
}

type realtimeInput struct {
	MediaChunks   []llms.Blob     `json:"mediaChunks,omitempty"`
	ActivityStart *activityMarker `json:"activityStart,omitempty"`
	ActivityEnd   *activityMarker `json:"activityEnd,omitempty"`
}

type activityMarker struct{}

type toolResponse struct {
	FunctionResponses []llms.FunctionResponse `json:"functionResponses,omitempty"`
}

type serverMessage struct {
	SetupComplete           *setupComplete           `json:"setupComplete,omitempty"`
	ServerContent           *serverContent           `json:"serverContent,omitempty"`
	ToolCall                *serverToolCall          `json:"toolCall,omitempty"`
	ToolCallCancellation    *toolCallCancellation    `json:"toolCallCancellation,omitempty"`
	SessionResumptionUpdate *sessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *goAway                  `json:"goAway,omitempty"`
}

type setupComplete struct{}

type serverContent struct {
	ModelTurn           *llms.Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool                `json:"turnComplete,omitempty"`
	Interrupted         bool                `json:"interrupted,omitempty"`
	GenerationComplete  bool                `json:"generationComplete,omitempty"`
	InputTranscription  *llms.Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *llms.Transcription `json:"outputTranscription,omitempty"`
}

type serverToolCall struct {
	FunctionCalls []llms.FunctionCall `json:"functionCalls,omitempty"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids,omitempty"`
}

type sessionResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

type goAway struct {
	// TimeLeft is a protobuf duration string, e.g. "10s".
	TimeLeft string `json:"timeLeft,omitempty"`
}

// chunks normalizes one server message into ordered response fragments.
// Transcriptions come before model output so consumers see what the model
// heard before what it said; interruption and turn completion always come
// last. An interruption that co-occurs with turn completion is folded into
// the turn-complete chunk.
func (m serverMessage) chunks() []llms.LiveChunk {
	var chunks []llms.LiveChunk

	if m.SessionResumptionUpdate != nil {
		chunks = append(chunks, llms.ResumptionUpdateChunk{
			Handle:    m.SessionResumptionUpdate.NewHandle,
			Resumable: m.SessionResumptionUpdate.Resumable,
		})
	}

	if m.GoAway != nil {
		timeLeft, err := time.ParseDuration(m.GoAway.TimeLeft)
		if err != nil {
			timeLeft = 0
		}
		chunks = append(chunks, llms.GoAwayChunk{TimeLeft: timeLeft})
	}

	if m.ToolCall != nil && len(m.ToolCall.FunctionCalls) > 0 {
		chunks = append(chunks, llms.ToolCallChunk{FunctionCalls: m.ToolCall.FunctionCalls})
	}

	if content := m.ServerContent; content != nil {
		if content.InputTranscription != nil {
			chunks = append(chunks, llms.InputTranscriptionChunk{Transcription: *content.InputTranscription})
		}
		if content.OutputTranscription != nil {
			chunks = append(chunks, llms.OutputTranscriptionChunk{Transcription: *content.OutputTranscription})
		}

		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part.Text != "" {
					chunks = append(chunks, llms.TextChunk{Text: part.Text})
				}
				if part.InlineData != nil {
					chunks = append(chunks, llms.DataChunk{Blob: *part.InlineData})
				}
			}
		}

		if content.Interrupted && !content.TurnComplete {
			chunks = append(chunks, llms.InterruptedChunk{})
		}
		if content.TurnComplete {
			chunks = append(chunks, llms.TurnCompleteChunk{Interrupted: content.Interrupted})
		}
	}

	return chunks
}
