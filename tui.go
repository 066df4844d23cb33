package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"parley/audio"
	"parley/clipboard"
	"parley/log"
	"parley/session"
	"parley/turn"
)

// TUI message types
type snapshotMsg session.Snapshot
type startedMsg struct{ err error }
type stoppedMsg struct{}
type copiedMsg struct{ err error }
type tickMsg time.Time

const (
	meterWidth   = 40
	maxLevel     = 255.0
	noticeExpiry = 3 * time.Second
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	youStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	replyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	metricsStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	meterQuiet  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	meterSpeech = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	meterMark   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))

	stateStyles = map[turn.State]lipgloss.Style{
		turn.Idle:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		turn.Listening:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		turn.Buffering:  lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		turn.Recording:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		turn.Waiting:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		turn.Processing: lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
	}
)

type tuiModel struct {
	ctx     context.Context
	sess    *session.Session
	backend string
	device  string

	snap          session.Snapshot
	busy          bool // start or stop in progress
	notice        string
	noticeAt      time.Time
	width, height int
}

func newTUIModel(ctx context.Context, sess *session.Session, backendName string, device *audio.DeviceInfo) tuiModel {
	name := "system default"
	if device != nil {
		name = device.Name
		if audio.IsBluetooth(device.Name) {
			name += " (BT!)"
		}
	}
	return tuiModel{
		ctx:     ctx,
		sess:    sess,
		backend: backendName,
		device:  name,
		snap:    sess.Snapshot(),
	}
}

func waitForSnapshot(sess *session.Session) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(<-sess.Updates())
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) startCmd() tea.Cmd {
	return func() tea.Msg { return startedMsg{err: m.sess.Start(m.ctx)} }
}

func (m tuiModel) stopCmd() tea.Cmd {
	return func() tea.Msg {
		m.sess.Stop()
		return stoppedMsg{}
	}
}

func copyCmd(text string) tea.Cmd {
	return func() tea.Msg { return copiedMsg{err: clipboard.Copy(text)} }
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.sess), tuiTick(), m.startCmd())
}

func (m tuiModel) lastEntry() (session.TranscriptEntry, bool) {
	if n := len(m.snap.Transcripts); n > 0 {
		return m.snap.Transcripts[n-1], true
	}
	return session.TranscriptEntry{}, false
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ":
			if m.busy {
				break
			}
			m.busy = true
			if m.snap.IsActive {
				return m, m.stopCmd()
			}
			return m, m.startCmd()
		case "c":
			m.sess.ClearHistory()
			m.snap = m.sess.Snapshot()
			m.setNotice("history cleared")
		case "y":
			if e, ok := m.lastEntry(); ok {
				return m, copyCmd(e.Text)
			}
		}

	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		return m, waitForSnapshot(m.sess)

	case startedMsg:
		m.busy = false
		m.snap = m.sess.Snapshot()
		if msg.err != nil {
			log.Errorf("start failed: %v", msg.err)
		}

	case stoppedMsg:
		m.busy = false
		m.snap = m.sess.Snapshot()

	case copiedMsg:
		if msg.err != nil {
			m.setNotice("copy failed: " + msg.err.Error())
		} else {
			m.setNotice("copied to clipboard")
		}

	case tickMsg:
		if m.notice != "" && time.Since(m.noticeAt) > noticeExpiry {
			m.notice = ""
		}
		return m, tuiTick()
	}
	return m, nil
}

func (m *tuiModel) setNotice(s string) {
	m.notice = s
	m.noticeAt = time.Now()
}

func statusText(sn session.Snapshot) string {
	switch {
	case !sn.IsActive:
		return "○ STOPPED"
	case sn.IsAISpeaking:
		return "♪ REPLYING"
	}
	switch sn.State {
	case turn.Buffering:
		return "◌ HEARING"
	case turn.Recording:
		return "● RECORDING"
	case turn.Waiting:
		return "◍ PAUSED"
	case turn.Processing:
		return "… THINKING"
	}
	return "○ LISTENING"
}

// renderMeter draws the smoothed level with markers at the start and
// continue thresholds.
func renderMeter(level, start, cont float64, width int) string {
	pos := func(v float64) int {
		p := int(v / maxLevel * float64(width))
		return min(max(p, 0), width-1)
	}
	filled := pos(level)
	if level <= 0 {
		filled = -1
	}
	startAt, contAt := pos(start), pos(cont)

	var b strings.Builder
	for i := range width {
		switch {
		case i == startAt || i == contAt:
			b.WriteString(meterMark.Render("│"))
		case i <= filled && level >= start:
			b.WriteString(meterSpeech.Render("█"))
		case i <= filled:
			b.WriteString(meterQuiet.Render("█"))
		default:
			b.WriteString(meterQuiet.Render("·"))
		}
	}
	return b.String()
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	sn := m.snap

	var lines []string
	lines = append(lines, titleStyle.Render("parley")+" "+dimStyle.Render(version))
	lines = append(lines, "")

	st, ok := stateStyles[sn.State]
	if !ok || !sn.IsActive {
		st = stateStyles[turn.Idle]
	}
	lines = append(lines, st.Render(statusText(sn)))
	lines = append(lines, renderMeter(sn.Level, sn.StartLevel, sn.ContinueLevel, meterWidth))
	lines = append(lines, dimStyle.Render(fmt.Sprintf("level %5.1f  start %5.1f  continue %5.1f",
		sn.Level, sn.StartLevel, sn.ContinueLevel)))
	lines = append(lines, "")

	lines = append(lines, dimStyle.Render("mic: "+m.device))
	lines = append(lines, dimStyle.Render(fmt.Sprintf("[%s] conversation %.8s, turn %d", m.backend, sn.ConversationID, sn.TurnNumber)))
	if sn.DroppedFrames > 0 {
		lines = append(lines, errorStyle.Render(fmt.Sprintf("%d frames dropped", sn.DroppedFrames)))
	}
	if sn.Error != "" {
		lines = append(lines, errorStyle.Render("⚠ "+sn.Error))
	}
	if m.notice != "" {
		lines = append(lines, noticeStyle.Render(m.notice))
	}
	lines = append(lines, "")

	toggle := "stop"
	if !sn.IsActive {
		toggle = "start"
	}
	lines = append(lines,
		keyStyle.Render("space")+helpStyle.Render(" "+toggle+"  ")+
			keyStyle.Render("c")+helpStyle.Render(" clear  ")+
			keyStyle.Render("y")+helpStyle.Render(" copy last  ")+
			keyStyle.Render("q")+helpStyle.Render(" quit"))

	left := lipgloss.NewStyle().Width(meterWidth + 4).Render(strings.Join(lines, "\n"))

	logWidth := max(m.width-meterWidth-5, 20)
	right := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(m.renderTranscripts(logWidth-2, m.height))

	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

// renderTranscripts shows the newest exchanges that fit in height lines.
func (m tuiModel) renderTranscripts(width, height int) string {
	entries := m.snap.Transcripts
	if len(entries) == 0 {
		return dimStyle.Render("Say something...")
	}
	width = max(width, 10)

	var blocks [][]string
	for _, e := range entries {
		var block []string
		for i, line := range wrapText(e.Text, width-4) {
			prefix := "    "
			if i == 0 {
				prefix = "you "
			}
			block = append(block, youStyle.Render(prefix+line))
		}
		for i, line := range wrapText(e.Reply, width-4) {
			if e.Reply == "" {
				break
			}
			prefix := "    "
			if i == 0 {
				prefix = " ai "
			}
			block = append(block, replyStyle.Render(prefix+line))
		}
		block = append(block, "")
		blocks = append(blocks, block)
	}
	if last := entries[len(entries)-1]; last.Stats != nil {
		tail := &blocks[len(blocks)-1]
		for _, s := range last.Stats.Lines() {
			*tail = append(*tail, metricsStyle.Render(s))
		}
	}

	var out []string
	for i := len(blocks) - 1; i >= 0; i-- {
		if len(out)+len(blocks[i]) > height && len(out) > 0 {
			break
		}
		out = append(append([]string(nil), blocks[i]...), out...)
	}
	return strings.Join(out, "\n")
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}

// runTUI drives the session from the terminal until the user quits or the
// context is cancelled.
func runTUI(ctx context.Context, sess *session.Session, backendName string, device *audio.DeviceInfo) int {
	p := tea.NewProgram(newTUIModel(ctx, sess, backendName, device), tea.WithAltScreen())

	g, gctx := errgroup.WithContext(ctx)
	quit := make(chan struct{})
	g.Go(func() error {
		defer close(quit)
		_, err := p.Run()
		return err
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			p.Quit()
		case <-quit:
		}
		return nil
	})

	err := g.Wait()
	sess.Stop()
	if err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Printf("Error: %v\n", err)
		return 1
	}
	return 0
}
