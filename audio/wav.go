package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// EncodeWAV wraps mono or interleaved 16-bit PCM in a canonical 44-byte
// RIFF header.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, WAVHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(WAVHeaderSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                  // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[WAVHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// PCMFromWAV strips the canonical header. Only 16-bit PCM files written
// by EncodeWAV or similar tools are supported.
func PCMFromWAV(data []byte) ([]byte, error) {
	if !IsWAV(data) {
		return nil, ErrNotWAV
	}
	if len(data) < WAVHeaderSize {
		return nil, fmt.Errorf("wav: truncated header (%d bytes)", len(data))
	}
	if bits := binary.LittleEndian.Uint16(data[34:36]); bits != 16 {
		return nil, fmt.Errorf("wav: unsupported bit depth %d", bits)
	}
	return data[WAVHeaderSize:], nil
}
