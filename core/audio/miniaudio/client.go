// Package miniaudio provides malgo-backed capture and playback clients for
// live sessions: capture feeds the session's realtime input, playback sinks
// the model's audio output.
package miniaudio

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"

	"github.com/koscakluka/live-core/core/audio"
)

// captureSampleRate matches the rate live models expect for realtime input.
const captureSampleRate = audio.DefaultSampleRate

// playbackSampleRate matches the rate live models synthesize audio at.
const playbackSampleRate = 24000

type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	playbackClient
	captureClient
}

func NewClient() (*Client, error) {
	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) {},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	client := Client{
		audioContext: audioCtx,
	}

	if err := client.playbackClient.Init(audioCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize playback client: %w", err)
	}

	if err := client.playbackClient.Start(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	if err := client.captureClient.Init(audioCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize capture client: %w", err)
	}

	return &client, nil
}

// Stream starts the microphone and delivers captured chunks to onAudio until
// the client is closed.
func (c *Client) Stream(_ context.Context, onAudio func(audio []byte)) error {
	return c.captureClient.Start(onAudio)
}

func (c *Client) StopCapture() error {
	return c.captureClient.Stop()
}

func (c *Client) Close() {
	_ = c.captureClient.Uninit()
	_ = c.playbackClient.Uninit()
	_ = c.audioContext.Uninit()
	c.audioContext.Free()
}

// SendAudio buffers model output audio for playback.
func (c *Client) SendAudio(audio []byte) error {
	return c.playbackClient.SendAudio(audio)
}

// ClearBuffer drops buffered playback audio, e.g. when the user barges in.
func (c *Client) ClearBuffer() {
	c.playbackClient.ClearBuffer()
}

// EncodingInfo describes the capture encoding; the session uses it to tag
// realtime input chunks.
func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{
		SampleRate: captureSampleRate,
		Format:     audio.EncodingLinear16,
	}
}

// PlaybackEncodingInfo describes the encoding the playback device expects.
func (c *Client) PlaybackEncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{
		SampleRate: playbackSampleRate,
		Format:     audio.EncodingLinear16,
	}
}
