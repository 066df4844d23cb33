package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"parley/audio"
	"parley/backend"
	"parley/config"
	"parley/cue"
	"parley/doctor"
	"parley/log"
	"parley/playback"
	"parley/session"
	"parley/shutdown"
)

var version = "dev"

type options struct {
	configPath string
	device     string
	setup      bool
	url        string
	format     string
	lang       string
	logPath    string
	profile    string
	tui        bool
	test       string
	fake       string
	doctor     bool
	version    bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML config file (default: built-in settings)")
	fs.StringVar(&o.device, "device", "", "Use named microphone device")
	fs.BoolVar(&o.setup, "setup", false, "Select microphone device interactively")
	fs.StringVar(&o.url, "backend", "", "Conversation backend base URL (overrides config and PARLEY_BACKEND_URL)")
	fs.StringVar(&o.format, "format", "", "Upload format: flac or wav")
	fs.StringVar(&o.lang, "lang", "", "Language code sent to the backend (empty = auto-detect)")
	fs.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&o.profile, "profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	fs.BoolVar(&o.tui, "tui", true, "Run with terminal UI")
	fs.StringVar(&o.test, "test", "", "Headless test mode: replay a WAV file as the microphone and print transcripts")
	fs.StringVar(&o.fake, "fake", "", "Answer every turn with this transcript instead of calling a backend")
	fs.BoolVar(&o.doctor, "doctor", false, "Run microphone, backend and playback diagnostics and exit")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// applyFlags lets command-line flags override the config file.
func applyFlags(cfg *config.Config, o *options) error {
	if o.device != "" {
		cfg.Audio.Device = o.device
	}
	if o.url != "" {
		cfg.Backend.URL = o.url
	}
	if o.format != "" {
		cfg.Backend.Format = o.format
	}
	if o.lang != "" {
		cfg.Backend.Language = o.lang
	}
	return cfg.Validate()
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func findDevice(actx audio.Context, name string) (*audio.DeviceInfo, error) {
	devices, err := actx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device named %q", name)
}

func newBackend(cfg backend.Config, fake string) (backend.Backend, error) {
	if fake != "" {
		return backend.NewFakeText(fake), nil
	}
	return backend.New(cfg)
}

func run() int {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if o.version {
		fmt.Printf("parley %s\n", version)
		return 0
	}

	logPath, err := log.ResolveDir(o.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := applyFlags(cfg, o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid settings: %v\n", err)
		return 1
	}

	if o.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", o.profile)
			if err := http.ListenAndServe(o.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	b, err := newBackend(cfg.Backend, o.fake)
	if err != nil {
		if !o.doctor {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if w, ok := b.(interface{ Warm() }); ok {
		go w.Warm()
	}

	var actx audio.Context
	var fakeCtx *audio.FakeContext
	if o.test != "" {
		fakeCtx, err = audio.NewFakeContext(o.test)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
			return 1
		}
		actx = fakeCtx
	} else {
		actx, err = audio.NewContext()
		if err != nil {
			log.Errorf("audio context init error: %v", err)
			fmt.Fprintf(os.Stderr, "Error initializing audio context: %v\n", err)
			return 1
		}
	}
	defer actx.Close()

	var device *audio.DeviceInfo
	switch {
	case cfg.Audio.Device != "":
		device, err = findDevice(actx, cfg.Audio.Device)
		if err != nil {
			log.Warnf("device lookup failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: %v, using system default\n", err)
		}
	case o.setup:
		device, err = audio.SelectDevice(actx)
		if errors.Is(err, audio.ErrSelectionCancelled) {
			return 0
		}
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: device selection failed: %v\n", err)
			fmt.Fprintln(os.Stderr, "Falling back to default device")
		}
	}
	if device != nil {
		log.Info("recording_device: " + device.Name)
		if audio.IsBluetooth(device.Name) {
			log.Warn("bluetooth microphone selected; capture quality may drop while audio plays")
		}
	}

	if o.doctor {
		return doctor.Run(ctx, doctor.Options{
			Audio:   actx,
			Device:  device,
			Backend: b,
			Turn:    cfg.Turn,
			Out:     os.Stdout,
		})
	}

	var cues *cue.Player
	if cfg.Audio.Cues && o.test == "" {
		if sink, err := actx.NewPlayer(); err != nil {
			log.Warnf("cue output unavailable: %v", err)
		} else {
			defer sink.Close()
			cues = cue.New(sink)
			defer cues.Wait()
		}
	}

	out, err := actx.NewPlayer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio output: %v\n", err)
		return 1
	}
	replies := playback.NewController(out)
	defer replies.Close()

	sess, err := session.New(cfg.Session, cfg.Turn, session.Deps{
		Audio:    actx,
		Device:   device,
		Backend:  b,
		Playback: replies,
		Cues:     cues,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.Stop()

	switch {
	case fakeCtx != nil:
		return runTestMode(ctx, sess, fakeCtx, cfg, os.Stdout)
	case !o.tui:
		return runHeadless(ctx, sess, os.Stdout)
	default:
		return runTUI(ctx, sess, b.Name(), device)
	}
}

func main() {
	os.Exit(run())
}
