package llms

// Role describes who authored a piece of content.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Content is a multi-part message exchanged with the model. Parts keep their
// order; a single content may mix text, inline binary data and function
// call/response parts.
type Content struct {
	Role  Role   `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is one piece of a Content. Exactly one field is expected to be
// populated.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// TextContent wraps plain text into a user content.
func TextContent(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// FunctionResponseContent wraps function results into a user content. The
// model treats such content as tool output rather than a user message.
func FunctionResponseContent(responses ...FunctionResponse) Content {
	parts := make([]Part, 0, len(responses))
	for i := range responses {
		parts = append(parts, Part{FunctionResponse: &responses[i]})
	}
	return Content{Role: RoleUser, Parts: parts}
}

// IsFunctionResponsesOnly reports whether every part of the content carries a
// function response. Empty contents report false.
func (c Content) IsFunctionResponsesOnly() bool {
	if len(c.Parts) == 0 {
		return false
	}

	for _, part := range c.Parts {
		if part.FunctionResponse == nil {
			return false
		}
	}
	return true
}

// HasFunctionResponse reports whether any part of the content carries a
// function response.
func (c Content) HasFunctionResponse() bool {
	for _, part := range c.Parts {
		if part.FunctionResponse != nil {
			return true
		}
	}
	return false
}

// Blob is a fragment of continuous media, e.g. a slice of a live audio or
// video stream. Data is base64-encoded on the wire.
type Blob struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// FunctionCall is the model asking for a declared tool to be executed.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool execution result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Transcription is speech-to-text produced by the model for either the user's
// input audio or its own synthesized audio.
type Transcription struct {
	Text     string `json:"text,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}
