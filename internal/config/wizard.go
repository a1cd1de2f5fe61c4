package config

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const banner = `
  ██████╗ ██████╗  █████╗ ██████╗ ██████╗
 ██╔════╝ ██╔══██╗██╔══██╗██╔══██╗██╔══██╗
 ██║  ███╗██████╔╝███████║██████╔╝██║  ██║
 ██║   ██║██╔══██╗██╔══██║██╔══██╗██║  ██║
 ╚██████╔╝██║  ██║██║  ██║██████╔╝██████╔╝
  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═════╝ ╚═════╝
`

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	stepStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selectedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	unselectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	cursorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	wizardHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	inputStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	inputCursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(16)
	valueStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	containerStyle   = lipgloss.NewStyle().Padding(2, 4)
)

// step is one screen of the init wizard: either a fixed option list or a
// free-text input whose value lives in wizardModel.values.
type step struct {
	title       string
	description string
	options     []option
	isInput     bool
	placeholder string
}

type option struct {
	label string
	value string
}

// Indices into wizardModel.values, one per input step.
const (
	stepOutputDir = iota
	stepProxyURL
	stepSpeedLimit
	stepPort
	stepMaxConc
	stepConfirm
)

// wizardModel walks the operator through the handful of settings worth
// asking about up front; everything else keeps Default()'s values until
// edited by hand in the YAML file. Input values live in a shared slice so
// edits survive Bubble Tea's copy-on-update model passing.
type wizardModel struct {
	steps       []step
	values      []string
	currentStep int
	cursor      int
	cfg         *Config

	inputBuffer string
	confirmed   bool
	cancelled   bool
	width       int
	height      int
}

func initialWizardModel(cfg *Config) wizardModel {
	m := wizardModel{
		cfg: cfg,
		values: []string{
			stepOutputDir:  cfg.OutputDir,
			stepProxyURL:   cfg.ProxyURL,
			stepSpeedLimit: strconv.FormatInt(cfg.SpeedLimitBps, 10),
			stepPort:       strconv.Itoa(cfg.Server.Port),
			stepMaxConc:    strconv.Itoa(cfg.Server.MaxConcurrent),
			stepConfirm:    "",
		},
	}
	m.steps = []step{
		{
			title:       "Output directory",
			description: "Where finished downloads are written",
			isInput:     true,
			placeholder: ".",
		},
		{
			title:       "Proxy URL",
			description: "Routed through every Transport Client request; leave empty for none",
			isInput:     true,
			placeholder: "http://127.0.0.1:7890",
		},
		{
			title:       "Global speed limit (bytes/sec)",
			description: "0 disables the rate limiter",
			isInput:     true,
			placeholder: "0",
		},
		{
			title:       "Daemon port",
			description: "Local control endpoint + management API listen port",
			isInput:     true,
			placeholder: "8080",
		},
		{
			title:       "Max concurrent downloads",
			description: "Queue Scheduler admission limit",
			isInput:     true,
			placeholder: "3",
		},
		{
			title:       "Confirm",
			description: "Review and save configuration",
			options: []option{
				{"Yes, save", "yes"},
				{"No, cancel", "no"},
			},
		},
	}
	m.inputBuffer = m.values[0]
	return m
}

func (m wizardModel) Init() tea.Cmd { return nil }

func (m wizardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		step := m.steps[m.currentStep]

		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit

		case "left":
			if m.currentStep > 0 {
				m.commitInput()
				m.currentStep--
				m.cursor = 0
				m.loadCursorForStep()
			}
			return m, nil

		case "right", "enter":
			m.commitInput()

			if m.currentStep == len(m.steps)-1 {
				if m.cursor == 0 {
					m.confirmed = true
				} else {
					m.cancelled = true
				}
				return m, tea.Quit
			}

			m.currentStep++
			m.cursor = 0
			m.loadCursorForStep()
			return m, nil

		case "up", "k":
			if !step.isInput && m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "j":
			if !step.isInput && m.cursor < len(step.options)-1 {
				m.cursor++
			}
			return m, nil

		case "backspace":
			if step.isInput && len(m.inputBuffer) > 0 {
				m.inputBuffer = m.inputBuffer[:len(m.inputBuffer)-1]
			}
			return m, nil

		default:
			if step.isInput && len(msg.String()) == 1 {
				m.inputBuffer += msg.String()
			}
			return m, nil
		}
	}
	return m, nil
}

func (m *wizardModel) commitInput() {
	if m.steps[m.currentStep].isInput {
		m.values[m.currentStep] = m.inputBuffer
	}
}

func (m *wizardModel) loadCursorForStep() {
	if m.steps[m.currentStep].isInput {
		m.inputBuffer = m.values[m.currentStep]
	}
}

func (m wizardModel) View() string {
	var b strings.Builder

	b.WriteString(stepStyle.Render(fmt.Sprintf("Step %d of %d", m.currentStep+1, len(m.steps))))
	b.WriteString("\n\n")

	step := m.steps[m.currentStep]
	b.WriteString(titleStyle.Render(step.title))
	b.WriteString("\n")
	b.WriteString(stepStyle.Render(step.description))
	b.WriteString("\n\n")

	if m.currentStep == len(m.steps)-1 {
		b.WriteString(m.renderReview())
		b.WriteString("\n")
	}

	if step.isInput {
		display := m.inputBuffer
		if display == "" {
			display = stepStyle.Render(step.placeholder)
		}
		b.WriteString(inputCursorStyle.Render("> "))
		b.WriteString(inputStyle.Render(display))
		b.WriteString(inputCursorStyle.Render("█"))
		b.WriteString("\n")
	} else {
		for i, opt := range step.options {
			cursor := "  "
			style := unselectedStyle
			if i == m.cursor {
				cursor = cursorStyle.Render("> ")
				style = selectedStyle
			}
			b.WriteString(cursor)
			b.WriteString(style.Render(opt.label))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(wizardHelpStyle.Render("← back • → next • ↑↓ select • enter confirm • esc quit"))

	content := containerStyle.Render(b.String())
	if m.width > 0 && m.height > 0 {
		content = lipgloss.Place(m.width, m.height, lipgloss.Left, lipgloss.Top, content)
	}
	return content
}

func (m wizardModel) renderReview() string {
	var b strings.Builder
	outputDir := m.values[stepOutputDir]
	if outputDir == "" {
		outputDir = "."
	}
	proxy := m.values[stepProxyURL]
	if proxy == "" {
		proxy = "(none)"
	}
	lines := []struct{ label, value string }{
		{"Output Dir", outputDir},
		{"Proxy", proxy},
		{"Speed limit", m.values[stepSpeedLimit] + " B/s"},
		{"Port", m.values[stepPort]},
		{"Max concurrent", m.values[stepMaxConc]},
	}
	for _, l := range lines {
		b.WriteString(labelStyle.Render(l.label + ":"))
		b.WriteString(valueStyle.Render(l.value))
		b.WriteString("\n")
	}
	return b.String()
}

// RunInitWizard walks the operator through the handful of settings worth
// confirming interactively, then returns the Config to be saved.
func RunInitWizard() (*Config, error) {
	fmt.Print("\033[36m")
	fmt.Print(banner)
	fmt.Print("\033[0m")
	fmt.Println("  a multi-connection download engine")
	fmt.Println()

	cfg := LoadOrDefault()
	m := initialWizardModel(cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		return nil, err
	}

	result := final.(wizardModel)
	if result.cancelled {
		return nil, fmt.Errorf("config: init wizard cancelled")
	}

	outputDir := result.values[stepOutputDir]
	if outputDir == "" {
		outputDir = "."
	}
	cfg.OutputDir = outputDir
	cfg.ProxyURL = result.values[stepProxyURL]
	if v, err := strconv.ParseInt(result.values[stepSpeedLimit], 10, 64); err == nil {
		cfg.SpeedLimitBps = v
		cfg.SpeedLimitEnabled = v > 0
	}
	if v, err := strconv.Atoi(result.values[stepPort]); err == nil {
		cfg.Server.Port = v
	}
	if v, err := strconv.Atoi(result.values[stepMaxConc]); err == nil {
		cfg.Server.MaxConcurrent = v
	}

	return cfg, nil
}
