package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/rpc"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	opStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type opInfo struct {
	name   string
	result string
	run    func(ctx context.Context, calc *capability.Client, args []string) (string, error)
	params []string
}

var ops = []opInfo{
	{
		name:   "add",
		params: []string{"a: u64", "b: u64"},
		result: "u64",
		run: func(ctx context.Context, calc *capability.Client, args []string) (string, error) {
			a, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return "", fmt.Errorf("bad operand %q", args[0])
			}
			b, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return "", fmt.Errorf("bad operand %q", args[1])
			}
			sum, err := callAdd(ctx, calc, a, b)
			if err != nil {
				return "", err
			}
			return strconv.FormatUint(sum, 10), nil
		},
	},
	{
		name:   "counter",
		params: []string{"increments: u32"},
		result: "u64",
		run: func(ctx context.Context, calc *capability.Client, args []string) (string, error) {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return "", fmt.Errorf("bad count %q", args[0])
			}
			v, err := runCounter(ctx, calc, n)
			if err != nil {
				return "", err
			}
			return strconv.FormatUint(v, 10), nil
		},
	},
}

type modelState int

const (
	stateSelectOp modelState = iota
	stateInputArgs
	stateShowResult
)

type interactiveModel struct {
	err      error
	conn     *rpc.Conn
	calc     *capability.Client
	addr     string
	result   string
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type connectedMsg struct {
	err  error
	conn *rpc.Conn
	calc *capability.Client
}

type callResultMsg struct {
	err    error
	result string
}

func newInteractiveModel(addr string) *interactiveModel {
	return &interactiveModel{addr: addr, state: stateSelectOp}
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.connect
}

func (m *interactiveModel) connect() tea.Msg {
	conn, err := dial(m.addr)
	if err != nil {
		return connectedMsg{err: err}
	}
	calc := conn.Bootstrap(context.Background())
	return connectedMsg{conn: conn, calc: calc}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.calc != nil {
				m.calc.Release()
			}
			if m.conn != nil {
				_ = m.conn.Close()
			}
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectOp && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectOp && m.selected < len(ops)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectOp:
				m.prepareInputs()
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callOp

			case stateShowResult:
				m.state = stateSelectOp
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectOp
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectOp
				m.result = ""
				m.err = nil
			}
		}

	case connectedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.conn = msg.conn
		m.calc = msg.calc

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	op := ops[m.selected]
	m.inputs = make([]textinput.Model, len(op.params))
	for i, p := range op.params {
		ti := textinput.New()
		ti.Placeholder = p
		ti.Prompt = strings.SplitN(p, ":", 2)[0] + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callOp() tea.Msg {
	if m.calc == nil {
		return callResultMsg{err: fmt.Errorf("not connected")}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	op := ops[m.selected]
	args := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		args[i] = input.Value()
	}
	result, err := op.run(ctx, m.calc, args)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: result}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.conn == nil {
		return "Connecting to " + m.addr + "..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("capwire console"))
	b.WriteString(" ")
	b.WriteString(m.addr)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectOp:
		b.WriteString("Select an operation:\n\n")
		for i, op := range ops {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + formatOp(op)))
			} else {
				b.WriteString(cursor + formatOp(op))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		op := ops[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", opStyle.Render(op.name)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		op := ops[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", opStyle.Render(op.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatOp(op opInfo) string {
	params := make([]string, len(op.params))
	for i, p := range op.params {
		parts := strings.SplitN(p, ": ", 2)
		params[i] = parts[0] + ": " + typeStyle.Render(parts[1])
	}
	return opStyle.Render(op.name) + "(" + strings.Join(params, ", ") + ") -> " + typeStyle.Render(op.result)
}

func runInteractive(addr string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("interactive mode needs a terminal")
	}
	p := tea.NewProgram(newInteractiveModel(addr), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
