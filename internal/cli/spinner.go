// Package cli renders startup progress on the console.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/voolyvex/Local-LLM/internal/logger"
)

// Reporter shows the progress of a long-running step. fn may call progress
// to update the detail line.
type Reporter interface {
	Run(title string, fn func(progress func(detail string)) error) error
}

// NewReporter picks a spinner when out is a terminal and log lines otherwise.
func NewReporter(out *os.File) Reporter {
	if IsATTY(out) {
		return &SpinnerReporter{Out: out}
	}
	return &LogReporter{Log: logger.Log.With("startup")}
}

// LogReporter writes one log line per step and per progress update.
type LogReporter struct {
	Log *logger.Logger
}

func (r *LogReporter) Run(title string, fn func(progress func(string)) error) error {
	r.Log.Info(title)
	last := ""
	err := fn(func(detail string) {
		if detail != last {
			r.Log.Debug(title, "progress", detail)
			last = detail
		}
	})
	if err != nil {
		r.Log.Error(title+" failed", "err", err)
		return err
	}
	r.Log.Info(title+" done")
	return nil
}

// SpinnerReporter animates a bubbletea spinner while the step runs.
type SpinnerReporter struct {
	Out *os.File
}

type spinnerModel struct {
	spinner spinner.Model
	title   string
	detail  string
	done    bool
	err     error
}

type progressMsg string

type doneMsg struct{ err error }

func newSpinnerModel(title string) spinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return spinnerModel{spinner: s, title: title}
}

func (m spinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m spinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressMsg:
		m.detail = string(msg)
		return m, nil
	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m spinnerModel) View() string {
	switch {
	case m.done && m.err != nil:
		return fmt.Sprintf("✗ %s: %v\n", m.title, m.err)
	case m.done:
		return fmt.Sprintf("✓ %s\n", m.title)
	case m.detail != "":
		return fmt.Sprintf("%s %s (%s)", m.spinner.View(), m.title, m.detail)
	default:
		return fmt.Sprintf("%s %s", m.spinner.View(), m.title)
	}
}

// Run executes fn while the spinner animates. The program neither reads
// stdin nor installs signal handlers so Ctrl-C reaches the caller's context.
func (r *SpinnerReporter) Run(title string, fn func(progress func(string)) error) error {
	p := tea.NewProgram(newSpinnerModel(title),
		tea.WithOutput(r.Out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)

	errCh := make(chan error, 1)
	go func() {
		err := fn(func(detail string) { p.Send(progressMsg(detail)) })
		errCh <- err
		p.Send(doneMsg{err: err})
	}()

	// A spinner that fails to render does not fail the step.
	if _, err := p.Run(); err != nil {
		logger.Log.Debug("spinner", "err", err)
	}
	return <-errCh
}

// IsATTY reports whether f is a terminal.
func IsATTY(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
