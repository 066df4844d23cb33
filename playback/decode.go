package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"parley/audio"
)

var (
	ErrEmptyClip     = errors.New("reply audio is empty")
	ErrUnknownFormat = errors.New("reply audio is neither wav nor mp3")
)

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xff && data[1]&0xe0 == 0xe0
}

// Clip is decoded reply audio as interleaved 16-bit PCM.
type Clip struct {
	PCM        []int16
	SampleRate int
	Channels   int
}

// Decode recognizes WAV by its RIFF header and MP3 by an ID3 tag or frame
// sync.
func Decode(data []byte) (*Clip, error) {
	if len(data) == 0 {
		return nil, ErrEmptyClip
	}
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	if audio.IsWAV(data) {
		s, format, err = wav.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding wav: %w", err)
		}
	} else if isMP3(data) {
		s, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("decoding mp3: %w", err)
		}
	} else {
		return nil, ErrUnknownFormat
	}
	defer s.Close()

	channels := format.NumChannels
	if channels < 1 || channels > 2 {
		channels = 2
	}
	clip := &Clip{SampleRate: int(format.SampleRate), Channels: channels}
	buf := make([][2]float64, 1024)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			for c := range channels {
				clip.PCM = append(clip.PCM, toInt16(frame[c]))
			}
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("reading reply audio: %w", err)
	}
	if len(clip.PCM) == 0 {
		return nil, ErrEmptyClip
	}
	return clip, nil
}

func toInt16(v float64) int16 {
	v *= 32767
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
