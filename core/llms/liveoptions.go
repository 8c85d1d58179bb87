package llms

// Modality selects what the model streams back. A live session runs with
// exactly one response modality.
type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityAudio Modality = "AUDIO"
)

// LiveOptions configures one live connection. The session core consumes these
// values when dialing; it does not own them.
type LiveOptions struct {
	ResponseModality Modality

	InputTranscription  bool
	OutputTranscription bool

	// ManualActivityDetection disables the model's automatic voice activity
	// detection. Producers then delimit engagement with explicit activity
	// start/end requests.
	ManualActivityDetection bool

	// SessionResumption asks the server to emit resumption handles so a
	// follow-up connection can transparently continue this session.
	SessionResumption bool
	// ResumptionHandle continues a prior session. Set on reconnect dials.
	ResumptionHandle string

	ProactiveAudio  bool
	AffectiveDialog bool

	SystemInstruction string
	Tools             []Tool
}

type LiveOption func(*LiveOptions)

func WithResponseModality(modality Modality) LiveOption {
	return func(o *LiveOptions) {
		o.ResponseModality = modality
	}
}

func WithInputTranscription() LiveOption {
	return func(o *LiveOptions) {
		o.InputTranscription = true
	}
}

func WithOutputTranscription() LiveOption {
	return func(o *LiveOptions) {
		o.OutputTranscription = true
	}
}

// WithManualActivityDetection turns automatic voice activity detection off.
func WithManualActivityDetection() LiveOption {
	return func(o *LiveOptions) {
		o.ManualActivityDetection = true
	}
}

// WithSessionResumption enables transparent session resumption handles.
func WithSessionResumption() LiveOption {
	return func(o *LiveOptions) {
		o.SessionResumption = true
	}
}

// WithResumptionHandle dials the connection as a continuation of the session
// identified by handle.
func WithResumptionHandle(handle string) LiveOption {
	return func(o *LiveOptions) {
		o.ResumptionHandle = handle
	}
}

// WithProactiveAudio lets the model decide not to respond to input it deems
// irrelevant.
func WithProactiveAudio() LiveOption {
	return func(o *LiveOptions) {
		o.ProactiveAudio = true
	}
}

// WithAffectiveDialog lets the model adapt its responses to the user's
// expressed tone.
func WithAffectiveDialog() LiveOption {
	return func(o *LiveOptions) {
		o.AffectiveDialog = true
	}
}

func WithSystemInstruction(instruction string) LiveOption {
	return func(o *LiveOptions) {
		o.SystemInstruction = instruction
	}
}

func WithTools(tools ...Tool) LiveOption {
	return func(o *LiveOptions) {
		o.Tools = append(o.Tools, tools...)
	}
}
