// Package backend sends finished utterances to a transcription/reply
// service and normalizes what comes back.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"parley/encoder"
)

// NoSpeechError is what a backend reports when the clip held no words.
// It is not a failure.
const NoSpeechError = "No speech detected"

var ErrNoBackend = errors.New("set PARLEY_BACKEND_URL, DEEPGRAM_API_KEY, GROQ_API_KEY or OPENAI_API_KEY")

type Request struct {
	UtteranceID    string
	ConversationID string
	TurnNumber     int
	Samples        []int16
	SampleRate     int
}

func (r *Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

type Response struct {
	Success    bool
	Transcript string
	Reply      string
	Audio      []byte
	Error      string

	// AudioErr is set when reply audio came back but could not be decoded.
	AudioErr error

	Stats *Stats
}

// NoSpeech reports a benign empty result.
func (r *Response) NoSpeech() bool {
	return r.Error == NoSpeechError || (r.Error == "" && strings.TrimSpace(r.Transcript) == "")
}

// Stats describes one round trip.
type Stats struct {
	Format       string
	AudioLength  time.Duration
	RawSize      int
	EncodedSize  int
	EncodeTime   time.Duration
	Attempts     int
	Network      *NetworkMetrics
	RateLimit    string
	Confidence   float64
	NoSpeechProb float64
}

func (s *Stats) CompressionPct() float64 {
	if s.RawSize == 0 {
		return 0
	}
	return (1 - float64(s.EncodedSize)/float64(s.RawSize)) * 100
}

// Lines renders the stats for the TUI detail pane.
func (s *Stats) Lines() []string {
	lines := []string{
		fmt.Sprintf("audio:      %.1fs | %.1f KB → %.1f KB (%.0f%% smaller)",
			s.AudioLength.Seconds(), float64(s.RawSize)/1024, float64(s.EncodedSize)/1024, s.CompressionPct()),
		fmt.Sprintf("format:     %s", s.Format),
		fmt.Sprintf("encode:     %dms", s.EncodeTime.Milliseconds()),
	}
	if s.Attempts > 1 {
		lines = append(lines, fmt.Sprintf("attempts:   %d", s.Attempts))
	}
	if m := s.Network; m != nil {
		reused := ""
		if m.ConnReused {
			reused = " (reused)"
		}
		lines = append(lines,
			fmt.Sprintf("conn_wait:  %dms%s", m.ConnWait.Milliseconds(), reused),
			fmt.Sprintf("dns:        %dms", m.DNS.Milliseconds()),
			fmt.Sprintf("tls:        %dms", m.TLS.Milliseconds()),
			fmt.Sprintf("ttfb:       %dms", m.TTFB.Milliseconds()),
			fmt.Sprintf("total:      %dms", m.Sum().Milliseconds()),
		)
	}
	if s.RateLimit != "" {
		lines = append(lines, fmt.Sprintf("ratelimit:  %s", s.RateLimit))
	}
	if s.Confidence > 0 {
		lines = append(lines, fmt.Sprintf("confidence: %.4f", s.Confidence))
	}
	return lines
}

type Backend interface {
	Name() string
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

type Config struct {
	URL      string        `yaml:"url"`
	Format   string        `yaml:"format"`
	Language string        `yaml:"language"`
	Retries  int           `yaml:"retries"`
	Timeout  time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Format:  encoder.FormatFLAC,
		Retries: 2,
		Timeout: 30 * time.Second,
	}
}

// New picks a backend from the config and environment. An explicit URL
// (flag, file or PARLEY_BACKEND_URL) wins over provider API keys.
func New(cfg Config) (Backend, error) {
	if cfg.URL == "" {
		cfg.URL = os.Getenv("PARLEY_BACKEND_URL")
	}
	if cfg.URL != "" {
		return NewHTTP(cfg), nil
	}
	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		return NewDeepgram(key, cfg), nil
	}
	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		return NewGroq(key, cfg), nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return NewOpenAI(key, cfg), nil
	}
	return nil, ErrNoBackend
}

type base struct {
	client *TracedClient
	cfg    Config
}

func newBase(cfg Config) base {
	if cfg.Format == "" {
		cfg.Format = encoder.FormatFLAC
	}
	return base{client: NewTracedClient(cfg.Timeout), cfg: cfg}
}

func (b *base) encode(req *Request) (*encoder.Result, *Stats, error) {
	res, err := encoder.Encode(b.cfg.Format, req.Samples, req.SampleRate)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding clip: %w", err)
	}
	return res, &Stats{
		Format:      res.Ext,
		AudioLength: req.Duration(),
		RawSize:     len(req.Samples) * 2,
		EncodedSize: len(res.Data),
		EncodeTime:  res.EncodeTime,
		Attempts:    1,
	}, nil
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}
