package audio

import "fmt"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// MIMEType renders the encoding as a realtime media mime type, e.g.
// "audio/pcm;rate=16000". Linear PCM maps to audio/pcm; companded formats
// keep their own subtype.
func (e EncodingInfo) MIMEType() string {
	subtype := "pcm"
	switch e.Format {
	case EncodingMulaw:
		subtype = "mulaw"
	case EncodingALaw:
		subtype = "alaw"
	}
	return fmt.Sprintf("audio/%s;rate=%d", subtype, e.SampleRate)
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
