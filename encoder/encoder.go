// Package encoder packs an utterance clip into a container a
// transcription backend accepts.
package encoder

import (
	"fmt"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	FormatFLAC = "flac"
	FormatWAV  = "wav"
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	Ext() string
	ContentType() string
}

// Result is an encoded clip ready for upload.
type Result struct {
	Data        []byte
	Ext         string
	ContentType string
	Frames      uint64
	EncodeTime  time.Duration
}

func New(format string, sampleRate int) (Encoder, error) {
	switch format {
	case "", FormatFLAC:
		return NewFlac(sampleRate)
	case FormatWAV:
		return NewWav(sampleRate), nil
	default:
		return nil, fmt.Errorf("unknown audio format %q (want flac or wav)", format)
	}
}

// Encode runs samples through the named encoder in BlockSize blocks.
func Encode(format string, samples []int16, sampleRate int) (*Result, error) {
	start := time.Now()
	enc, err := New(format, sampleRate)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing %s encoder: %w", enc.Ext(), err)
	}
	return &Result{
		Data:        enc.Bytes(),
		Ext:         enc.Ext(),
		ContentType: enc.ContentType(),
		Frames:      enc.TotalFrames(),
		EncodeTime:  time.Since(start),
	}, nil
}
