package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const retryBase = 250 * time.Millisecond

// HTTP talks to a conversation backend exposing POST /transcribe. The
// backend transcribes the clip, generates a reply and optionally returns
// synthesized reply audio.
type HTTP struct {
	base
	endpoint string
}

func NewHTTP(cfg Config) *HTTP {
	return &HTTP{
		base:     newBase(cfg),
		endpoint: strings.TrimRight(cfg.URL, "/") + "/transcribe",
	}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Warm() { h.client.Warm(strings.TrimRight(h.cfg.URL, "/")) }

type httpResponse struct {
	Success    bool   `json:"success"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	Audio      string `json:"audio"`
	Error      string `json:"error"`
}

func (h *HTTP) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	enc, stats, err := h.encode(req)
	if err != nil {
		return nil, err
	}

	fields := [][2]string{
		{"conversation_id", req.ConversationID},
		{"turn_number", strconv.Itoa(req.TurnNumber)},
	}
	if h.cfg.Language != "" {
		fields = append(fields, [2]string{"language", h.cfg.Language})
	}
	var body bytes.Buffer
	contentType, err := writeForm(&body, "recording."+enc.Ext, enc.Data, fields)
	if err != nil {
		return nil, err
	}

	resp, attempts, err := h.post(ctx, body.Bytes(), contentType)
	stats.Attempts = attempts
	if err != nil {
		return nil, err
	}
	stats.Network = resp.Metrics

	var hr httpResponse
	if jsonErr := json.Unmarshal(resp.Body, &hr); jsonErr != nil {
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("backend error %d: %s", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
		}
		return nil, fmt.Errorf("backend response parse error: %w", jsonErr)
	}
	if resp.StatusCode/100 != 2 && hr.Error != NoSpeechError {
		msg := hr.Error
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body))
		}
		return nil, fmt.Errorf("backend error %d: %s", resp.StatusCode, msg)
	}

	out := &Response{
		Success:    hr.Success,
		Transcript: strings.TrimSpace(hr.Transcript),
		Reply:      hr.Reply,
		Error:      hr.Error,
		Stats:      stats,
	}
	if hr.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(hr.Audio)
		if err != nil {
			out.AudioErr = fmt.Errorf("decoding reply audio: %w", err)
		} else {
			out.Audio = audio
		}
	}
	return out, nil
}

func retryable(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// post sends the body, retrying transport failures and gateway errors with
// exponential backoff.
func (h *HTTP) post(ctx context.Context, body []byte, contentType string) (*TracedResponse, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= h.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			case <-time.After(wait):
			}
		}
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, attempts, err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempts, ctx.Err()
			}
			lastErr = err
			continue
		}
		if retryable(resp.StatusCode) && attempt < h.cfg.Retries {
			lastErr = fmt.Errorf("backend error %d", resp.StatusCode)
			continue
		}
		return resp, attempts, nil
	}
	return nil, attempts, fmt.Errorf("backend unreachable after %d attempts: %w", attempts, lastErr)
}

// writeForm writes the multipart upload body and returns its content type.
func writeForm(w io.Writer, filename string, audio []byte, fields [][2]string) (string, error) {
	writer := multipart.NewWriter(w)
	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return "", fmt.Errorf("form audio: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("form audio: %w", err)
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("form field %s: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("form close: %w", err)
	}
	return writer.FormDataContentType(), nil
}
