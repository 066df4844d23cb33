package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const deepgramAPIURL = "https://api.deepgram.com/v1/listen"

type Deepgram struct {
	base
	apiURL string
	apiKey string
}

func NewDeepgram(apiKey string, cfg Config) *Deepgram {
	return &Deepgram{base: newBase(cfg), apiURL: deepgramAPIURL, apiKey: apiKey}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Warm() { d.client.Warm("https://api.deepgram.com") }

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) endpoint() string {
	q := url.Values{}
	q.Set("model", "nova-3")
	q.Set("smart_format", "true")
	if d.cfg.Language != "" {
		q.Set("language", d.cfg.Language)
	} else {
		q.Set("detect_language", "true")
	}
	return d.apiURL + "?" + q.Encode()
}

func (d *Deepgram) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	enc, stats, err := d.encode(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(), bytes.NewReader(enc.Data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Token "+d.apiKey)
	httpReq.Header.Set("Content-Type", enc.ContentType)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var dgResp deepgramResponse
	if err := json.Unmarshal(resp.Body, &dgResp); err != nil {
		return nil, fmt.Errorf("deepgram response parse error: %w", err)
	}

	var text string
	if len(dgResp.Results.Channels) > 0 && len(dgResp.Results.Channels[0].Alternatives) > 0 {
		alt := dgResp.Results.Channels[0].Alternatives[0]
		text = alt.Transcript
		stats.Confidence = alt.Confidence
	}

	stats.Network = resp.Metrics
	stats.RateLimit = firstNonEmpty(resp.Header,
		"x-dg-ratelimit-remaining", "x-ratelimit-remaining", "ratelimit-remaining") + "/" +
		firstNonEmpty(resp.Header, "x-dg-ratelimit-limit", "x-ratelimit-limit", "ratelimit-limit")

	return transcriptOnly(text, stats), nil
}
