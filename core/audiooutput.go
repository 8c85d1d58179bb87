package livesession

import (
	"reflect"

	"github.com/koscakluka/live-core/core/audio"
)

// audioOutput normalizes an optional playback client behind one facade used
// by the receive loop.
//
// NOTE: methods intentionally do best-effort forwarding and ignore client
// return errors because the receive loop treats audio playback as a non-fatal
// side effect.
type audioOutput struct {
	// base stores the configured playback client.
	base AudioOutput
}

// Set replaces the configured playback client. Nil and typed-nil clients are
// treated as unconfigured.
func (a *audioOutput) Set(client AudioOutput) {
	if a == nil {
		return
	}

	if isNilAudioOutput(client) {
		a.base = nil
		return
	}
	a.base = client
}

func (a *audioOutput) IsConfigured() bool {
	return a != nil && a.base != nil
}

// SendAudio forwards a chunk to the configured playback client. Without one,
// the chunk is dropped.
func (a *audioOutput) SendAudio(audio []byte) {
	if a.base != nil {
		a.base.SendAudio(audio)
	}
}

// Clear flushes buffered playback. Called on interruption so barge-in cuts
// the model's voice off instead of letting buffered audio finish.
func (a *audioOutput) Clear() {
	if a.base != nil {
		a.base.ClearBuffer()
	}
}

// playbackEncoder is implemented by clients that serve both capture and
// playback and therefore carry a distinct playback encoding.
type playbackEncoder interface {
	PlaybackEncodingInfo() audio.EncodingInfo
}

// EncodingInfo returns the active playback encoding metadata, or the project
// default when no client is configured. Clients whose EncodingInfo describes
// their capture side are asked for the playback encoding specifically.
func (a *audioOutput) EncodingInfo() audio.EncodingInfo {
	if client, ok := a.base.(playbackEncoder); ok {
		return client.PlaybackEncodingInfo()
	}
	if a.base != nil {
		return a.base.EncodingInfo()
	}

	return audio.GetDefaultEncodingInfo()
}

// isNilAudioOutput detects nil and typed-nil interface values so Set can
// avoid storing unusable interface wrappers as configured clients.
func isNilAudioOutput(client AudioOutput) bool {
	if client == nil {
		return true
	}

	v := reflect.ValueOf(client)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
