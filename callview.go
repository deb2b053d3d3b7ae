package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"node.town/ragvoice/turn"
	"node.town/ragvoice/voice"
)

const maxLogLines = 500

const callHelp = `Type a message and press Enter to send it, or use:
  /call          leave or rejoin the room
  /rec           start or stop recording
  /hush          stop the agent's speech
  /sources       show the sources of the last reply
  /prompt TEXT   replace the system prompt
  /upload PATH   add a document to the knowledge base
  /quit          end the call
Tab switches between the conversation and the log.`

type (
	entryMsg    turn.Entry
	snapshotMsg voice.Snapshot
	logMsg      string
	noticeMsg   string
)

// callSession is the part of a voice session the call view drives.
type callSession interface {
	Snapshot() voice.Snapshot
	Sources() *turn.Sources
	StartCall(ctx context.Context) error
	ToggleCall(ctx context.Context) error
	StartRecording() error
	StopRecording(ctx context.Context)
	SendText(ctx context.Context, text string) bool
	StopSpeaking()
	SetPrompt(ctx context.Context, prompt string) error
	Upload(ctx context.Context, filename string, r io.Reader) (int, error)
}

// feed carries session events into the view. Sends give up once the view
// is gone.
type feed struct {
	msgs chan tea.Msg
	done chan struct{}
	once sync.Once
}

func newFeed() *feed {
	return &feed{msgs: make(chan tea.Msg, 64), done: make(chan struct{})}
}

func (f *feed) send(msg tea.Msg) {
	select {
	case f.msgs <- msg:
	case <-f.done:
	}
}

func (f *feed) close() {
	f.once.Do(func() { close(f.done) })
}

func (f *feed) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-f.msgs:
			return msg
		case <-f.done:
			return nil
		}
	}
}

// Write takes log output. Lines are dropped when the view falls behind.
func (f *feed) Write(p []byte) (int, error) {
	select {
	case f.msgs <- logMsg(strings.TrimRight(string(p), "\n")):
	default:
	}
	return len(p), nil
}

type callModel struct {
	ctx     context.Context
	session callSession
	feed    *feed
	record  bool

	input    textinput.Model
	viewport viewport.Model
	showLog  bool

	lines []string
	logs  []string
	snap  voice.Snapshot
}

func newCallModel(ctx context.Context, session callSession, f *feed, record bool) callModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message, or /help"
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 80

	// Letters belong to the input, so only paging keys scroll.
	vp := viewport.New(80, 20)
	vp.KeyMap = viewport.KeyMap{
		PageDown: key.NewBinding(key.WithKeys("pgdown")),
		PageUp:   key.NewBinding(key.WithKeys("pgup")),
	}

	return callModel{
		ctx:      ctx,
		session:  session,
		feed:     f,
		record:   record,
		input:    ti,
		viewport: vp,
	}
}

func (m callModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.feed.wait(), m.startCall())
}

func (m callModel) startCall() tea.Cmd {
	s, ctx, record := m.session, m.ctx, m.record
	return func() tea.Msg {
		// Failures show up in the transcript.
		if err := s.StartCall(ctx); err != nil {
			return nil
		}
		if record {
			s.StartRecording()
		}
		return nil
	}
}

func (m callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "tab":
			m.showLog = !m.showLog
			m.refresh()
			return m, nil
		case "enter":
			line := m.input.Value()
			m.input.SetValue("")
			cmd, quit := m.handleLine(line)
			if quit {
				return m, tea.Quit
			}
			return m, cmd
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.input.View())
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-headerHeight-footerHeight)
		m.input.Width = max(10, msg.Width-4)
		m.refresh()

	case entryMsg:
		m.lines = append(m.lines, formatEntry(turn.Entry(msg)))
		m.refresh()
		cmds = append(cmds, m.feed.wait())

	case snapshotMsg:
		m.snap = voice.Snapshot(msg)
		m.refresh()
		cmds = append(cmds, m.feed.wait())

	case logMsg:
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		if m.showLog {
			m.refresh()
		}
		cmds = append(cmds, m.feed.wait())

	case noticeMsg:
		m.lines = append(m.lines, string(msg))
		m.refresh()
	}

	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m callModel) View() string {
	return fmt.Sprintf("%s\n%s\n%s", m.headerView(), m.viewport.View(), m.input.View())
}

func (m *callModel) refresh() {
	m.viewport.SetContent(m.contentView())
	m.viewport.GotoBottom()
}

func (m callModel) contentView() string {
	if m.showLog {
		return strings.Join(m.logs, "\n")
	}

	parts := append([]string(nil), m.lines...)
	if m.snap.Interim != "" {
		parts = append(parts, interimStyle.Render("… "+m.snap.Interim))
	}
	if m.snap.Banner != "" {
		parts = append(parts, bannerStyle.Render("! "+m.snap.Banner))
	}
	return strings.Join(parts, "\n")
}

func (m callModel) headerView() string {
	title := titleStyle.Render("ragvoice")
	if m.showLog {
		title = titleStyle.Render("ragvoice log")
	}
	status := statusStyle.Render(statusLine(m.snap))
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title)-lipgloss.Width(status)))
	return lipgloss.JoinHorizontal(lipgloss.Center, title, status, line)
}

func statusLine(s voice.Snapshot) string {
	var parts []string
	if s.RoomID != "" {
		parts = append(parts, s.RoomID)
	}
	state := string(s.CallState)
	if state == "" {
		state = "idle"
	}
	parts = append(parts, state)
	if s.Recording {
		parts = append(parts, "recording")
	}
	if s.Thinking {
		parts = append(parts, "thinking")
	}
	if s.Speaking {
		parts = append(parts, "speaking")
	}
	if s.Upload != "" {
		parts = append(parts, s.Upload)
	}
	return strings.Join(parts, " · ")
}

func notice(text string) tea.Cmd {
	return func() tea.Msg { return noticeMsg(text) }
}

// handleLine turns a typed line into a command that runs off the UI
// loop, since session calls feed events back into it.
func (m callModel) handleLine(line string) (cmd tea.Cmd, quit bool) {
	c, isCommand := parseLine(line)
	s, ctx := m.session, m.ctx

	if !isCommand {
		if c.arg == "" {
			return nil, false
		}
		return func() tea.Msg {
			if !s.SendText(ctx, c.arg) {
				return noticeMsg(systemStyle.Render("Still thinking about the last message."))
			}
			return nil
		}, false
	}

	switch c.name {
	case "quit", "q", "exit":
		return nil, true
	case "help", "?":
		return notice(callHelp), false
	case "call":
		return func() tea.Msg {
			s.ToggleCall(ctx)
			return nil
		}, false
	case "rec", "record":
		return func() tea.Msg {
			if s.Snapshot().Recording {
				s.StopRecording(ctx)
			} else {
				s.StartRecording()
			}
			return nil
		}, false
	case "hush":
		return func() tea.Msg {
			s.StopSpeaking()
			return nil
		}, false
	case "sources":
		return func() tea.Msg {
			var buf bytes.Buffer
			renderSources(&buf, s.Sources().Items())
			return noticeMsg(strings.TrimRight(buf.String(), "\n"))
		}, false
	case "prompt":
		return func() tea.Msg {
			if err := s.SetPrompt(ctx, c.arg); err != nil {
				return noticeMsg(bannerStyle.Render("! " + err.Error()))
			}
			return noticeMsg(systemStyle.Render("System prompt updated!"))
		}, false
	case "upload":
		return func() tea.Msg {
			if err := uploadFile(ctx, s, c.arg); err != nil {
				return noticeMsg(bannerStyle.Render("! " + err.Error()))
			}
			return nil
		}, false
	default:
		return notice(systemStyle.Render("Unknown command /" + c.name)), false
	}
}
