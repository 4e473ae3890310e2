package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"concierge/internal/orchestrator"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive terminal chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// The TUI owns the terminal; keep log noise off it.
		if !verbose {
			cfg.Logging.Level = "error"
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := newChatModel(a)
		if err != nil {
			return err
		}
		p := tea.NewProgram(m, tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

// answerMsg carries one completed orchestration round back into the UI loop.
type answerMsg struct {
	outcome orchestrator.Outcome
}

type chatModel struct {
	app       *app
	sessionID string
	handle    string

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	renderer *glamour.TermRenderer

	history []string
	busy    bool
	ready   bool
	width   int
}

func newChatModel(a *app) (*chatModel, error) {
	ti := textinput.New()
	ti.Placeholder = "Ask about your M365 data or anything else... (/help for commands)"
	ti.PromptStyle = promptStyle
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	return &chatModel{
		app:       a,
		sessionID: uuid.NewString(),
		input:     ti,
		spinner:   sp,
		renderer:  renderer,
		history:   []string{botStyle.Render("concierge") + " " + welcomeMessage},
	}, nil
}

func (m *chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			return m.submit(text)
		}

	case answerMsg:
		m.busy = false
		m.appendAnswer(msg.outcome)
		return m, nil

	case spinner.TickMsg:
		if m.busy {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatModel) submit(text string) (tea.Model, tea.Cmd) {
	m.history = append(m.history, userStyle.Render("you")+" "+text)

	switch text {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/help":
		m.history = append(m.history, m.renderMarkdown(helpMessage))
		m.refreshViewport()
		return m, nil
	case "/logout":
		m.app.vault.Clear(m.sessionID)
		m.handle = ""
		m.history = append(m.history, noteStyle.Render("Signed out. Your cached credentials have been cleared."))
		m.refreshViewport()
		return m, nil
	}

	m.busy = true
	m.refreshViewport()

	ask := func() tea.Msg {
		out := m.app.orchestrator.Handle(context.Background(), orchestrator.Request{
			SessionID:  m.sessionID,
			Text:       text,
			ConvHandle: m.handle,
		})
		return answerMsg{outcome: out}
	}
	return m, tea.Batch(m.spinner.Tick, ask)
}

func (m *chatModel) appendAnswer(out orchestrator.Outcome) {
	m.handle = out.ConvHandle

	rendered := m.renderMarkdown(out.Text)
	if out.Status != orchestrator.StatusOK {
		rendered = noteStyle.Render(out.Text)
	}
	m.history = append(m.history, botStyle.Render("concierge")+" "+rendered)
	m.refreshViewport()
}

func (m *chatModel) renderMarkdown(text string) string {
	rendered, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}

func (m *chatModel) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.history, "\n\n"))
	m.viewport.GotoBottom()
}

func (m *chatModel) View() string {
	if !m.ready {
		return "starting..."
	}

	status := ""
	if m.busy {
		status = m.spinner.View() + " thinking..."
	}

	return fmt.Sprintf("%s\n%s\n%s", m.viewport.View(), status, m.input.View())
}
