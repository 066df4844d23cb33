package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testRequest() *Request {
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = int16(i % 500)
	}
	return &Request{
		UtteranceID:    "u1",
		ConversationID: "conv-1",
		TurnNumber:     3,
		Samples:        samples,
		SampleRate:     16000,
	}
}

func TestNetworkMetricsSum(t *testing.T) {
	m := &NetworkMetrics{
		ConnWait:   10 * time.Millisecond,
		DNS:        20 * time.Millisecond,
		TCP:        30 * time.Millisecond,
		TLS:        40 * time.Millisecond,
		ReqHeaders: 5 * time.Millisecond,
		ReqBody:    15 * time.Millisecond,
		TTFB:       50 * time.Millisecond,
		Download:   25 * time.Millisecond,
	}
	if got, want := m.Sum(), 195*time.Millisecond; got != want {
		t.Errorf("Sum() = %v, want %v", got, want)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	h := http.Header{}
	h.Set("X-Rate-Limit", "100")

	if got := firstNonEmpty(h, "X-Missing", "X-Rate-Limit"); got != "100" {
		t.Errorf("got %q, want %q", got, "100")
	}
	if got := firstNonEmpty(h, "X-A", "X-B"); got != "?" {
		t.Errorf("got %q, want %q", got, "?")
	}
}

func TestResponseNoSpeech(t *testing.T) {
	for _, tt := range []struct {
		name string
		r    Response
		want bool
	}{
		{"no speech error", Response{Error: NoSpeechError}, true},
		{"blank transcript", Response{Success: true, Transcript: "  "}, true},
		{"transcript", Response{Success: true, Transcript: "hi"}, false},
		{"other error", Response{Error: "quota exceeded"}, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.NoSpeech(); got != tt.want {
				t.Errorf("NoSpeech() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPDispatch(t *testing.T) {
	reply := []byte("ID3 fake mp3 bytes")
	var gotConv, gotTurn, gotName string
	var gotAudio int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotConv = r.FormValue("conversation_id")
		gotTurn = r.FormValue("turn_number")
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		gotAudio = len(data)
		gotName = hdr.Filename

		json.NewEncoder(w).Encode(map[string]any{
			"success":    true,
			"transcript": " hello there ",
			"reply":      "hi!",
			"audio":      base64.StdEncoding.EncodeToString(reply),
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL + "/"
	cfg.Format = "wav"
	b := NewHTTP(cfg)

	resp, err := b.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotConv != "conv-1" || gotTurn != "3" {
		t.Errorf("form fields conversation_id=%q turn_number=%q", gotConv, gotTurn)
	}
	if gotName != "recording.wav" || gotAudio != 44+8000*2 {
		t.Errorf("audio part %q with %d bytes", gotName, gotAudio)
	}
	if !resp.Success || resp.Transcript != "hello there" || resp.Reply != "hi!" {
		t.Errorf("response = %+v", resp)
	}
	if string(resp.Audio) != string(reply) {
		t.Errorf("audio = %q", resp.Audio)
	}
	if resp.Stats == nil || resp.Stats.Network == nil || resp.Stats.Attempts != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if len(resp.Stats.Lines()) == 0 {
		t.Error("no stats lines")
	}
}

func TestHTTPNoSpeechIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": NoSpeechError})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	resp, err := NewHTTP(cfg).Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.NoSpeech() {
		t.Errorf("response = %+v, want no speech", resp)
	}
}

// flakyWriter fails only its failAt-th Write call.
type flakyWriter struct {
	calls  int
	failAt int
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls == w.failAt {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func TestWriteFormReportsEveryWriteError(t *testing.T) {
	fields := [][2]string{{"conversation_id", "c"}, {"turn_number", "1"}, {"language", "de"}}

	ok := &flakyWriter{}
	ct, err := writeForm(ok, "recording.flac", []byte("fLaC"), fields)
	if err != nil || !strings.HasPrefix(ct, "multipart/form-data") {
		t.Fatalf("writeForm = %q, %v", ct, err)
	}
	for i := 1; i <= ok.calls; i++ {
		if _, err := writeForm(&flakyWriter{failAt: i}, "recording.flac", []byte("fLaC"), fields); err == nil {
			t.Errorf("write %d of %d failed silently", i, ok.calls)
		}
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "model overloaded"})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	_, err := NewHTTP(cfg).Dispatch(context.Background(), testRequest())
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPRetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "transcript": "ok"})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.Retries = 2
	resp, err := NewHTTP(cfg).Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Transcript != "ok" || resp.Stats.Attempts != 2 || calls.Load() != 2 {
		t.Errorf("transcript %q attempts %d calls %d", resp.Transcript, resp.Stats.Attempts, calls.Load())
	}
}

func TestHTTPBadReplyAudioKeepsTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "transcript": "hey", "audio": "!!not base64!!"})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	resp, err := NewHTTP(cfg).Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Transcript != "hey" || resp.AudioErr == nil || resp.Audio != nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestHTTPCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTP(cfg).Dispatch(ctx, testRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestWhisperDispatch(t *testing.T) {
	var auth, model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		r.ParseMultipartForm(1 << 20)
		model = r.FormValue("model")
		w.Header().Set("x-ratelimit-remaining-requests", "9")
		w.Header().Set("x-ratelimit-limit-requests", "10")
		io.WriteString(w, `{"text":" turn it up ","segments":[{"no_speech_prob":0.1},{"no_speech_prob":0.3}]}`)
	}))
	defer srv.Close()

	g := NewGroq("key-123", DefaultConfig())
	g.apiURL = srv.URL
	resp, err := g.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if auth != "Bearer key-123" || model != "whisper-large-v3-turbo" {
		t.Errorf("auth %q model %q", auth, model)
	}
	if resp.Transcript != "turn it up" || resp.NoSpeech() {
		t.Errorf("response = %+v", resp)
	}
	if resp.Stats.RateLimit != "9/10" || resp.Stats.NoSpeechProb != 0.3 {
		t.Errorf("stats = %+v", resp.Stats)
	}
}

func TestDeepgramEmptyTranscriptIsNoSpeech(t *testing.T) {
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"","confidence":0}]}]}}`)
	}))
	defer srv.Close()

	d := NewDeepgram("dg", DefaultConfig())
	d.apiURL = srv.URL
	resp, err := d.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if contentType != "audio/flac" {
		t.Errorf("content type %q", contentType)
	}
	if resp.Error != NoSpeechError || !resp.NoSpeech() {
		t.Errorf("response = %+v", resp)
	}
}

func TestNewPicksBackend(t *testing.T) {
	for _, env := range []string{"PARLEY_BACKEND_URL", "DEEPGRAM_API_KEY", "GROQ_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(env, "")
	}
	if _, err := New(DefaultConfig()); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}

	t.Setenv("OPENAI_API_KEY", "o")
	assertName(t, DefaultConfig(), "openai")
	t.Setenv("GROQ_API_KEY", "g")
	assertName(t, DefaultConfig(), "groq")
	t.Setenv("DEEPGRAM_API_KEY", "d")
	assertName(t, DefaultConfig(), "deepgram")
	t.Setenv("PARLEY_BACKEND_URL", "http://localhost:8000")
	assertName(t, DefaultConfig(), "http")
}

func assertName(t *testing.T, cfg Config, want string) {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Name() != want {
		t.Errorf("Name() = %q, want %q", b.Name(), want)
	}
}

func TestFakeScript(t *testing.T) {
	boom := errors.New("boom")
	f := NewFake(
		FakeReply{Response: &Response{Success: true, Transcript: "one"}},
		FakeReply{Err: boom},
		FakeReply{Response: &Response{Success: true, Transcript: "last"}},
	)
	ctx := context.Background()
	if r, _ := f.Dispatch(ctx, testRequest()); r.Transcript != "one" {
		t.Fatalf("first = %q", r.Transcript)
	}
	if _, err := f.Dispatch(ctx, testRequest()); !errors.Is(err, boom) {
		t.Fatalf("second err = %v", err)
	}
	for range 2 {
		if r, _ := f.Dispatch(ctx, testRequest()); r.Transcript != "last" {
			t.Fatalf("repeat = %q", r.Transcript)
		}
	}
	if len(f.Requests()) != 4 || f.MaxInFlight() != 1 {
		t.Errorf("requests %d max in flight %d", len(f.Requests()), f.MaxInFlight())
	}
}
