// Package console is the interactive terminal client. It drives the
// same chat router as the messaging API against an in-process engine.
package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/whichcard/whichcard/internal/bot"
	"github.com/whichcard/whichcard/internal/refresh"
)

// Chat answers one user message. *bot.Router satisfies it.
type Chat interface {
	Handle(ctx context.Context, userID string, text string) (bot.Reply, error)
}

// Refresher rebuilds the index on demand. *daemon.Daemon satisfies it.
type Refresher interface {
	RefreshOnce(ctx context.Context, opts refresh.RunOptions) (refresh.Report, error)
	Status() refresh.Status
}

type Options struct {
	Chat      Chat
	Refresher Refresher

	// UserID is the card collection the console operates on. Empty
	// means "console".
	UserID string
}

// Model is the Bubble Tea model for the console.
type Model struct {
	chat   Chat
	ref    Refresher
	userID string

	input    textinput.Model
	viewport viewport.Model
	lines    []string
	status   string
	ready    bool
	busy     bool
}

func New(opts Options) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = `Ask "which card for groceries?" or type /help`
	ti.Focus()
	ti.CharLimit = 0

	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		userID = "console"
	}

	status := "starting"
	if opts.Refresher != nil {
		status = statusLine(opts.Refresher.Status())
	}

	return Model{
		chat:     opts.Chat,
		ref:      opts.Refresher,
		userID:   userID,
		input:    ti,
		viewport: viewport.New(0, 0),
		status:   status,
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

type replyMsg struct {
	text string
	err  error
}

type refreshedMsg struct {
	rep refresh.Report
	err error
}

func (m Model) send(text string) tea.Cmd {
	return func() tea.Msg {
		reply, err := m.chat.Handle(context.Background(), m.userID, text)
		return replyMsg{text: reply.Text, err: err}
	}
}

func (m Model) runRefresh() tea.Cmd {
	return func() tea.Msg {
		rep, err := m.ref.RefreshOnce(context.Background(), refresh.RunOptions{})
		return refreshedMsg{rep: rep, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 1 + 1 + ih + th // header line, hint line, frames
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = maxInt(20, msg.Width-transcriptStyle.GetHorizontalFrameSize())
		m.viewport.Height = vh
		m.input.Width = maxInt(20, msg.Width-inputStyle.GetHorizontalFrameSize()-len(m.input.Prompt))
		m.viewport.SetContent(m.transcript())
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		if msg.String() != "enter" {
			break
		}
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.busy {
			return m, nil
		}
		m.input.Reset()
		switch text {
		case "/quit", "/exit":
			return m, tea.Quit
		case "/refresh":
			m.busy = true
			m.appendLine(youStyle.Render("you: ") + text)
			m.status = "refreshing catalog..."
			return m, m.runRefresh()
		default:
			m.busy = true
			m.appendLine(youStyle.Render("you: ") + text)
			m.status = "thinking..."
			return m, m.send(text)
		}

	case replyMsg:
		m.busy = false
		if msg.err != nil {
			m.appendLine(errStyle.Render("error: " + msg.err.Error()))
		} else {
			m.appendLine(botStyle.Render("whichcard: ") + msg.text)
		}
		m.status = statusLine(m.ref.Status())
		return m, nil

	case refreshedMsg:
		m.busy = false
		if msg.err != nil {
			m.appendLine(errStyle.Render("refresh failed: " + msg.err.Error()))
		} else {
			m.appendLine(botStyle.Render("whichcard: ") +
				fmt.Sprintf("Catalog %s loaded with %d documents.", msg.rep.VersionID, msg.rep.DocumentCount))
		}
		m.status = statusLine(m.ref.Status())
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("whichcard") + "  " + statusStyle.Render(m.status)
	body := transcriptStyle.Render(m.viewport.View())
	input := inputStyle.Render(m.input.View())
	hint := hintStyle.Render("enter sends, /refresh rebuilds the catalog, /quit exits")
	return header + "\n" + body + "\n" + input + "\n" + hint
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

func (m Model) transcript() string {
	body := strings.Join(m.lines, "\n")
	if body == "" {
		body = "No messages yet. Ask about a spending category to get a card pick."
	}
	if m.viewport.Width > 0 {
		return lipgloss.NewStyle().Width(m.viewport.Width).Render(body)
	}
	return body
}

func statusLine(st refresh.Status) string {
	if !st.Ready {
		return "catalog loading, answers unavailable"
	}
	return fmt.Sprintf("catalog %s, %d documents, %d expired",
		st.CurrentVersionID, st.DocumentCount, st.ExpiredCardCount)
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	hintStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	youStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	botStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
