package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

const (
	diagFileName       = "diagnostics_log.txt"
	transcriptFileName = "transcript_log.txt"
)

// DispatchMetrics is one backend round trip as seen by the session.
type DispatchMetrics struct {
	Backend      string
	Format       string
	Conversation string
	Turn         int
	AudioLengthS float64
	RawSizeKB    float64
	EncodedKB    float64
	EncodeTimeMs float64
	TTFBMs       float64
	TotalTimeMs  float64
	Attempts     int
	ConnReused   bool
	Outcome      string
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: PARLEY_LOG_PATH environment variable
	if envPath := os.Getenv("PARLEY_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, diagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptFile, err = os.OpenFile(filepath.Join(dir, transcriptFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05.000",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(backend, conversation string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("backend", backend).
		Str("conversation", conversation).
		Msg("session_start")
}

func SessionEnd(turns int, reason string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("turns", turns).
		Str("reason", reason).
		Msg("session_end")
}

func StateChange(from, to string, level float64) {
	if !logReady {
		return
	}
	diagLog.Debug().
		Str("from", from).
		Str("to", to).
		Float64("level", level).
		Msg("state")
}

// Utterance records what happened to one turn's audio: ready, discarded or empty.
func Utterance(event, id string, turn int, length, preRoll time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("event", event).
		Str("utterance", id).
		Int("turn", turn).
		Float64("audio_s", length.Seconds()).
		Float64("preroll_s", preRoll.Seconds()).
		Msg("utterance")
}

func Dispatch(m DispatchMetrics) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	diagLog.Info().
		Str("backend", m.Backend).
		Str("format", m.Format).
		Str("conversation", m.Conversation).
		Int("turn", m.Turn).
		Str("conn", connStatus).
		Int("attempts", m.Attempts).
		Float64("audio_s", m.AudioLengthS).
		Float64("raw_kb", m.RawSizeKB).
		Float64("encoded_kb", m.EncodedKB).
		Float64("encode_ms", m.EncodeTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Str("outcome", m.Outcome).
		Msg("dispatch")
}

func Playback(kind string, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Err(err)
	}
	ev.Str("kind", kind).Msg("playback")
}

// TranscriptText appends one exchange to the transcript file.
func TranscriptText(conversation string, turn int, text, reply string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcriptFile == nil {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(transcriptFile, "%s\t[%d]\t%s#%d\tuser\t%s\n", ts, pid, conversation, turn, text)
	if reply != "" {
		fmt.Fprintf(transcriptFile, "%s\t[%d]\t%s#%d\treply\t%s\n", ts, pid, conversation, turn, reply)
	}
}
