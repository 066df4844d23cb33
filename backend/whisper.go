package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

// Whisper covers the OpenAI-compatible /audio/transcriptions endpoints.
// It only transcribes; Reply and Audio are always empty.
type Whisper struct {
	base
	name   string
	apiURL string
	model  string
	apiKey string
}

func NewGroq(apiKey string, cfg Config) *Whisper {
	return &Whisper{
		base:   newBase(cfg),
		name:   "groq",
		apiURL: "https://api.groq.com/openai/v1/audio/transcriptions",
		model:  "whisper-large-v3-turbo",
		apiKey: apiKey,
	}
}

func NewOpenAI(apiKey string, cfg Config) *Whisper {
	return &Whisper{
		base:   newBase(cfg),
		name:   "openai",
		apiURL: "https://api.openai.com/v1/audio/transcriptions",
		model:  "whisper-1",
		apiKey: apiKey,
	}
}

func (w *Whisper) Name() string { return w.name }

// Warm pre-opens the API connection.
func (w *Whisper) Warm() { w.client.Warm(w.apiURL) }

type whisperResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text         string  `json:"text"`
		NoSpeechProb float64 `json:"no_speech_prob"`
		AvgLogProb   float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (w *Whisper) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	enc, stats, err := w.encode(req)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio."+enc.Ext)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(enc.Data); err != nil {
		return nil, err
	}
	writer.WriteField("model", w.model)
	writer.WriteField("response_format", "verbose_json")
	if w.cfg.Language != "" {
		writer.WriteField("language", w.cfg.Language)
	}
	writer.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API error %d: %s", w.name, resp.StatusCode, string(resp.Body))
	}

	var wr whisperResponse
	if err := json.Unmarshal(resp.Body, &wr); err != nil {
		return nil, fmt.Errorf("%s response parse error: %w", w.name, err)
	}

	for _, seg := range wr.Segments {
		stats.NoSpeechProb = max(stats.NoSpeechProb, seg.NoSpeechProb)
	}
	stats.Network = resp.Metrics
	stats.RateLimit = firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests") + "/" +
		firstNonEmpty(resp.Header, "x-ratelimit-limit-requests")

	return transcriptOnly(wr.Text, stats), nil
}

func transcriptOnly(text string, stats *Stats) *Response {
	text = strings.TrimSpace(text)
	r := &Response{Success: true, Transcript: text, Stats: stats}
	if text == "" {
		r.Error = NoSpeechError
	}
	return r
}
