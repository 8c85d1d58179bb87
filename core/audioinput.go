package livesession

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/koscakluka/live-core/core/audio"
	"github.com/koscakluka/live-core/core/llms"
)

// audioInput normalizes an optional capture client behind one facade. When a
// client is configured, captured chunks are wrapped as realtime media blobs
// and pumped into the session's request queue; without one the facade is a
// no-op so sessions fed by remote producers pay nothing for it.
type audioInput struct {
	// base stores the configured capture client.
	base AudioInput

	// connected reports whether a concrete capture client is configured.
	connected atomic.Bool
	// isCapturing reports whether the capture stream is currently running.
	isCapturing atomic.Bool

	// onChunk receives each captured chunk, already wrapped as a blob.
	onChunk func(blob llms.Blob)
}

func (a *audioInput) Set(client AudioInput) {
	if a == nil {
		return
	}

	a.base = client
	a.connected.Store(client != nil)
	a.isCapturing.Store(false)
}

func (a *audioInput) IsConfigured() bool { return a != nil && a.connected.Load() }
func (a *audioInput) IsCapturing() bool  { return a != nil && a.isCapturing.Load() }

// Start launches the capture stream. Chunks keep flowing until the client is
// closed or the context ends; capture failures are logged rather than
// propagated because the session stays usable for structured input.
func (a *audioInput) Start(ctx context.Context) {
	if !a.IsConfigured() {
		return
	}
	if !a.isCapturing.CompareAndSwap(false, true) {
		return
	}

	mimeType := a.EncodingInfo().MIMEType()
	go func() {
		if err := a.base.Stream(ctx, func(chunk []byte) {
			if a.onChunk == nil {
				return
			}
			a.onChunk(llms.Blob{MIMEType: mimeType, Data: chunk})
		}); err != nil {
			a.isCapturing.Store(false)
			log.Printf("Failed to stream audio input: %v", err)
		}
	}()
}

func (a *audioInput) Close() error {
	if a.base != nil && a.IsConfigured() {
		a.base.Close()
	}
	a.isCapturing.Store(false)
	return nil
}

func (a *audioInput) EncodingInfo() audio.EncodingInfo {
	if a == nil || a.base == nil {
		return audio.GetDefaultEncodingInfo()
	}

	return a.base.EncodingInfo()
}
