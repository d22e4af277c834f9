package tts

import (
	"context"
	"errors"
)

// Audio is one synthesized clip. Raw PCM16 little-endian mono unless the
// engine reports otherwise.
type Audio struct {
	Data       []byte
	SampleRate int
	Channels   int
	Engine     string
}

// Engine synthesizes speech from text. Implementations must honor ctx
// cancellation and return promptly when the deadline passes.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// ErrAllEnginesFailed reports that every configured engine was tried (or
// skipped as unavailable) without producing audio.
var ErrAllEnginesFailed = errors.New("all speech engines failed")
