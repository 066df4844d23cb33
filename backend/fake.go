package backend

import (
	"context"
	"sync"
	"time"
)

// Fake replays scripted responses in order, repeating the last one once the
// script runs out. It records every request it receives.
type Fake struct {
	Delay time.Duration

	mu        sync.Mutex
	script    []FakeReply
	requests  []*Request
	inflight  int
	maxFlight int
}

type FakeReply struct {
	Response *Response
	Err      error
}

func NewFake(replies ...FakeReply) *Fake {
	return &Fake{script: replies}
}

// NewFakeText answers every request with text as the transcript.
func NewFakeText(text string) *Fake {
	return NewFake(FakeReply{Response: &Response{Success: true, Transcript: text}})
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.inflight++
	f.maxFlight = max(f.maxFlight, f.inflight)
	var reply FakeReply
	if len(f.script) > 0 {
		reply = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.Response == nil {
		return &Response{Success: true, Error: NoSpeechError}, nil
	}
	r := *reply.Response
	if r.Stats == nil {
		r.Stats = &Stats{Format: "pcm", AudioLength: req.Duration(), RawSize: len(req.Samples) * 2, Attempts: 1}
	}
	return &r, nil
}

func (f *Fake) Requests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.requests...)
}

// MaxInFlight is the highest number of concurrent Dispatch calls observed.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight
}
