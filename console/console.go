// Package console is a terminal front end for a conversation view: a
// directory sidebar, the timeline, and a composer.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/karthikraju391/go-nats-chat-console/chatcore"
	"github.com/karthikraju391/go-nats-chat-console/models"
)

const (
	sidebarWidth = 24
	// requestTimeout bounds each backend call made from a key press.
	requestTimeout = 15 * time.Second
)

var (
	sidebarStyle        = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("241")).Padding(0, 1).Width(sidebarWidth)
	sidebarFocusedStyle = sidebarStyle.BorderForeground(lipgloss.Color("170"))

	entryStyle         = lipgloss.NewStyle().PaddingLeft(2)
	entrySelectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	entryOpenStyle     = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("214"))

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	authorStyle  = lipgloss.NewStyle().Bold(true)
	ownStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type focus int

const (
	focusSidebar focus = iota
	focusComposer
)

type directoryMsg struct {
	dir models.Directory
	err error
}

type openedMsg struct {
	state models.ConversationState
	err   error
}

type sentMsg struct {
	body string
	err  error
}

type refreshedMsg struct {
	err error
}

// timelineMsg carries a timeline change into the program.
type timelineMsg struct {
	ev chatcore.TimelineEvent
}

// Model is the bubbletea model wrapping one chatcore.View.
type Model struct {
	ctx  context.Context
	view *chatcore.View

	entries []models.DirectoryEntry
	cursor  int
	focus   focus

	title    string
	timeline viewport.Model
	input    textinput.Model
	status   string
	err      error

	width, height int
}

func New(ctx context.Context, view *chatcore.View) Model {
	in := textinput.New()
	in.Placeholder = "Write a message"
	in.CharLimit = 4000
	in.Prompt = "> "

	return Model{
		ctx:      ctx,
		view:     view,
		timeline: viewport.New(60, 20),
		input:    in,
		status:   "loading directory...",
	}
}

func (m Model) Init() tea.Cmd {
	return m.loadDirectory
}

func (m Model) loadDirectory() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
	defer cancel()
	dir, err := m.view.ListDirectory(ctx)
	return directoryMsg{dir: dir, err: err}
}

func (m Model) openCmd(ref models.ConversationRef) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		state, err := m.view.OpenConversationView(ctx, ref)
		return openedMsg{state: state, err: err}
	}
}

func (m Model) sendCmd(body string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		_, err := m.view.SendMessage(ctx, body)
		return sentMsg{body: body, err: err}
	}
}

func (m Model) refreshCmd() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
	defer cancel()
	if m.view.State().Ref.IsZero() {
		_, err := m.view.ListDirectory(ctx)
		return refreshedMsg{err: err}
	}
	return refreshedMsg{err: m.view.Refresh(ctx)}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.timeline.Width = max(msg.Width-sidebarWidth-6, 10)
		m.timeline.Height = max(msg.Height-6, 3)
		m.input.Width = m.timeline.Width - 2
		m.renderTimeline()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case directoryMsg:
		m.err = msg.err
		m.entries = msg.dir.Entries()
		m.cursor = min(m.cursor, max(len(m.entries)-1, 0))
		m.status = fmt.Sprintf("%d conversations", len(m.entries))
		return m, nil

	case openedMsg:
		if errors.Is(msg.err, chatcore.ErrStale) {
			return m, nil
		}
		m.err = msg.err
		if !msg.state.Ref.IsZero() {
			m.title = msg.state.DisplayName
			m.status = msg.state.Ref.String()
		}
		m.renderTimeline()
		return m, nil

	case sentMsg:
		m.err = msg.err
		if msg.err == nil && m.input.Value() == msg.body {
			m.input.Reset()
		}
		m.renderTimeline()
		return m, nil

	case refreshedMsg:
		if !errors.Is(msg.err, chatcore.ErrStale) {
			m.err = msg.err
		}
		m.renderTimeline()
		return m, nil

	case timelineMsg:
		m.renderTimeline()
		return m, nil
	}

	if m.focus == focusComposer {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "tab":
		if m.focus == focusSidebar {
			m.focus = focusComposer
			return m, m.input.Focus()
		}
		m.focus = focusSidebar
		m.input.Blur()
		return m, nil

	case "ctrl+r":
		m.status = "refreshing..."
		return m, m.refreshCmd

	case "esc":
		m.view.CloseConversationView()
		m.title = ""
		m.status = "closed"
		m.input.Reset()
		m.renderTimeline()
		return m, nil
	}

	if m.focus == focusSidebar {
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.entries)-1 {
				m.cursor++
			}
		case "enter":
			if m.cursor < len(m.entries) {
				entry := m.entries[m.cursor]
				m.title = entry.DisplayName
				m.status = "opening " + entry.Ref().String() + "..."
				m.focus = focusComposer
				return m, tea.Batch(m.input.Focus(), m.openCmd(entry.Ref()))
			}
		}
		return m, nil
	}

	if msg.String() == "enter" {
		body := m.input.Value()
		if strings.TrimSpace(body) == "" {
			return m, nil
		}
		m.view.SetDraft(body)
		return m, m.sendCmd(body)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.view.SetDraft(m.input.Value())
	return m, cmd
}

func (m *Model) renderTimeline() {
	var sb strings.Builder
	for i, e := range m.view.Render() {
		if e.FirstInGroup {
			if i > 0 {
				sb.WriteString("\n")
			}
			name := e.Message.AuthorName
			if name == "" {
				name = fmt.Sprintf("user %d", e.Message.AuthorID)
			}
			style := authorStyle
			if e.Own {
				style = ownStyle
			}
			sb.WriteString(style.Render(name) + " " + labelStyle.Render(e.Label) + "\n")
		}
		if e.Message.Pending {
			sb.WriteString(pendingStyle.Render(e.Message.Body+" (sending)") + "\n")
		} else {
			sb.WriteString(e.Message.Body + "\n")
		}
	}
	m.timeline.SetContent(sb.String())
	m.timeline.GotoBottom()
}

func (m Model) View() string {
	var side strings.Builder
	side.WriteString(titleStyle.Render("Conversations") + "\n")
	open := m.view.State().Ref
	for i, e := range m.entries {
		name := e.DisplayName
		if e.Kind == models.KindGroup {
			name = "# " + name
		}
		switch {
		case i == m.cursor && m.focus == focusSidebar:
			side.WriteString(entrySelectedStyle.Render("▸ "+name) + "\n")
		case e.Ref() == open:
			side.WriteString(entryOpenStyle.Render(name) + "\n")
		default:
			side.WriteString(entryStyle.Render(name) + "\n")
		}
	}
	sbStyle := sidebarStyle
	if m.focus == focusSidebar {
		sbStyle = sidebarFocusedStyle
	}
	sidebar := sbStyle.Height(max(m.height-4, 3)).Render(side.String())

	title := m.title
	if title == "" {
		title = "No conversation open"
	}
	status := helpStyle.Render(m.status)
	if m.err != nil {
		status = errorStyle.Render(m.err.Error())
	}
	main := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title),
		m.timeline.View(),
		m.input.View(),
		status,
	)
	help := helpStyle.Render("tab: focus • enter: open/send • ctrl+r: refresh • esc: close • ctrl+c: quit")
	return lipgloss.JoinVertical(lipgloss.Left, lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", main), help)
}

// Run starts the program and forwards timeline changes into it until the user
// quits or ctx is done.
func Run(ctx context.Context, view *chatcore.View, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(New(ctx, view), opts...)
	unlisten := view.OnMessageAppended(func(ev chatcore.TimelineEvent) {
		p.Send(timelineMsg{ev: ev})
	})
	defer unlisten()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
