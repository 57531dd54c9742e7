// pattern: Imperative Shell

// Package prompt renders an interactive yes/no question in the terminal.
package prompt

import (
	"context"
	"fmt"
	"io"
	"os"

	catppuccin "github.com/catppuccin/go"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"devsync/internal/console"
)

type keyMap struct {
	Yes    key.Binding
	No     key.Binding
	Accept key.Binding
	Cancel key.Binding
}

var keys = keyMap{
	Yes:    key.NewBinding(key.WithKeys("y", "Y"), key.WithHelp("y", "yes")),
	No:     key.NewBinding(key.WithKeys("n", "N"), key.WithHelp("n", "no")),
	Accept: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "default")),
	Cancel: key.NewBinding(key.WithKeys("esc", "ctrl+c"), key.WithHelp("esc", "no")),
}

// Model is the bubbletea model behind Confirm.
type Model struct {
	question   string
	defaultYes bool
	answered   bool
	answer     bool
	flavor     catppuccin.Flavor
}

// NewModel creates a confirm model drawn in flavor.
func NewModel(question string, defaultYes bool, flavor catppuccin.Flavor) Model {
	return Model{question: question, defaultYes: defaultYes, flavor: flavor}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch {
	case key.Matches(keyMsg, keys.Yes):
		m.answered, m.answer = true, true
	case key.Matches(keyMsg, keys.No), key.Matches(keyMsg, keys.Cancel):
		m.answered, m.answer = true, false
	case key.Matches(keyMsg, keys.Accept):
		m.answered, m.answer = true, m.defaultYes
	default:
		return m, nil
	}
	return m, tea.Quit
}

func (m Model) View() string {
	question := lipgloss.NewStyle().
		Foreground(lipgloss.Color(m.flavor.Yellow().Hex)).
		Render(m.question)

	hint := "(Y/n)"
	if !m.defaultYes {
		hint = "(y/N)"
	}
	hintStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(m.flavor.Overlay1().Hex))

	if m.answered {
		answer := "no"
		if m.answer {
			answer = "yes"
		}
		return fmt.Sprintf("%s %s %s\n", question, hintStyle.Render(hint), answer)
	}
	return fmt.Sprintf("%s %s ", question, hintStyle.Render(hint))
}

// Answered reports whether the user made a choice, and which.
func (m Model) Answered() (answered bool, yes bool) {
	return m.answered, m.answer
}

// Terminal asks questions on a terminal through bubbletea.
type Terminal struct {
	In    io.Reader // nil uses os.Stdin
	Out   io.Writer // nil uses os.Stdout
	Theme string    // catppuccin flavor name, as in the theme setting
}

func (t Terminal) model(question string, defaultYes bool) Model {
	return NewModel(question, defaultYes, console.FlavorFromName(t.Theme))
}

// Confirm asks question and blocks until the user answers or ctx ends.
// An aborted program counts as "no".
func (t Terminal) Confirm(ctx context.Context, question string, defaultYes bool) (bool, error) {
	in, out := t.In, t.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	p := tea.NewProgram(t.model(question, defaultYes),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	final, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("run prompt: %w", err)
	}
	m, ok := final.(Model)
	if !ok {
		return false, nil
	}
	_, yes := m.Answered()
	return yes, nil
}
