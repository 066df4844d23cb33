package encoder

import "parley/audio"

// WavEncoder buffers PCM and writes a single RIFF file on Close.
type WavEncoder struct {
	sampleRate int
	samples    []int16
	out        []byte
}

func NewWav(sampleRate int) *WavEncoder {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &WavEncoder{sampleRate: sampleRate}
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	e.samples = append(e.samples, block...)
	return nil
}

func (e *WavEncoder) Close() error {
	e.out = audio.EncodeWAV(e.samples, e.sampleRate, Channels)
	return nil
}

func (e *WavEncoder) Bytes() []byte       { return e.out }
func (e *WavEncoder) TotalFrames() uint64 { return uint64(len(e.samples)) }
func (e *WavEncoder) Ext() string         { return FormatWAV }
func (e *WavEncoder) ContentType() string { return "audio/wav" }
