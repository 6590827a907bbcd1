// Package tui renders live workflow progress for the run and resume
// commands.
//
// The view is read-only: a step table driven by orchestrator events,
// a short feed of recent events, and a spinner while the workflow is
// still running. It quits on its own once the workflow reaches a
// terminal status; 'q' or Ctrl-C detaches early without affecting the
// run.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/musterlabs/muster/internal/orchestrator"
	"github.com/musterlabs/muster/pkg/models"
)

// eventMsg wraps one orchestrator event for the update loop.
type eventMsg orchestrator.Event

// streamClosedMsg signals the event stream ended.
type streamClosedMsg struct{}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true)
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("28"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	skippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	feedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	hintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
)

// maxFeedLines bounds the recent-event feed.
const maxFeedLines = 6

// stepRow is the display state of one workflow step.
type stepRow struct {
	id       string
	name     string
	status   models.StepStatus
	agent    string
	reason   string
	duration time.Duration
}

type model struct {
	workflowID string
	name       string
	status     models.WorkflowStatus
	rows       []stepRow
	index      map[string]int
	feed       []string
	spin       spinner.Model
	detached   bool
}

func newModel(w *models.Workflow) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = runningStyle

	m := model{
		workflowID: w.ID,
		name:       w.Name,
		status:     w.Status,
		rows:       make([]stepRow, len(w.Steps)),
		index:      make(map[string]int, len(w.Steps)),
		spin:       s,
	}
	for i, step := range w.Steps {
		m.rows[i] = stepRow{
			id:     step.ID,
			name:   step.Name,
			status: step.Status,
			agent:  step.AssignedTo,
			reason: step.FailureReason,
		}
		if step.Result != nil {
			m.rows[i].duration = step.Result.Duration
		}
		m.index[step.ID] = i
	}
	return m
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return m.spin.Tick
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.detached = true
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case eventMsg:
		m.apply(orchestrator.Event(msg))
		if m.status.Terminal() {
			return m, tea.Quit
		}
	case streamClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

// apply folds one orchestrator event into the display state.
func (m *model) apply(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventWorkflowCompleted:
		m.status = models.WorkflowStatusCompleted
	case orchestrator.EventWorkflowFailed:
		m.status = models.WorkflowStatusFailed
	case orchestrator.EventWorkflowCancelled:
		m.status = models.WorkflowStatusCancelled
	case orchestrator.EventStepStarted:
		if i, ok := m.index[ev.StepID]; ok {
			m.rows[i].status = models.StepStatusRunning
			m.rows[i].agent = ev.AgentID
		}
		m.push(fmt.Sprintf("%s → %s", ev.StepID, ev.AgentID))
	case orchestrator.EventStepCompleted:
		if i, ok := m.index[ev.StepID]; ok {
			m.rows[i].status = models.StepStatusCompleted
			m.rows[i].duration = ev.Duration
		}
		m.push(fmt.Sprintf("%s completed in %s", ev.StepID, ev.Duration.Round(time.Millisecond)))
	case orchestrator.EventStepFailed:
		if i, ok := m.index[ev.StepID]; ok {
			m.rows[i].status = models.StepStatusFailed
			m.rows[i].reason = ev.Reason
		}
		m.push(fmt.Sprintf("%s failed: %s", ev.StepID, ev.Reason))
	case orchestrator.EventStepSkipped:
		if i, ok := m.index[ev.StepID]; ok {
			m.rows[i].status = models.StepStatusSkipped
			m.rows[i].reason = ev.Reason
		}
		m.push(fmt.Sprintf("%s skipped: %s", ev.StepID, ev.Reason))
	case orchestrator.EventCheckpointFailed:
		m.push("checkpoint write failed")
	}
}

// push appends one line to the recent-event feed.
func (m *model) push(line string) {
	m.feed = append(m.feed, line)
	if len(m.feed) > maxFeedLines {
		m.feed = m.feed[len(m.feed)-maxFeedLines:]
	}
}

// View implements tea.Model.
func (m model) View() string {
	var b strings.Builder

	title := "Workflow " + m.workflowID
	if m.name != "" && m.name != m.workflowID {
		title += " (" + m.name + ")"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("  ")
	if m.status.Terminal() {
		b.WriteString(workflowStyle(m.status).Render(string(m.status)))
	} else {
		b.WriteString(m.spin.View())
		b.WriteString(string(m.status))
	}
	b.WriteString("\n\n")

	for _, row := range m.rows {
		style := stepStyle(row.status)
		b.WriteString(fmt.Sprintf("  %s %-24s",
			style.Render(stepGlyph(row.status)), row.id))
		b.WriteString(style.Render(fmt.Sprintf(" %-10s", row.status)))
		if row.agent != "" {
			b.WriteString(" " + row.agent)
		}
		if row.duration > 0 {
			b.WriteString(" " + row.duration.Round(time.Millisecond).String())
		}
		if row.reason != "" {
			b.WriteString(feedStyle.Render(" (" + row.reason + ")"))
		}
		b.WriteString("\n")
	}

	if len(m.feed) > 0 {
		b.WriteString("\n")
		for _, line := range m.feed {
			b.WriteString(feedStyle.Render("  " + line))
			b.WriteString("\n")
		}
	}

	if !m.status.Terminal() {
		b.WriteString("\n")
		b.WriteString(hintStyle.Render("  q: detach (run continues)"))
		b.WriteString("\n")
	}
	return b.String()
}

func stepGlyph(s models.StepStatus) string {
	switch s {
	case models.StepStatusCompleted:
		return "✓"
	case models.StepStatusFailed:
		return "✗"
	case models.StepStatusSkipped:
		return "-"
	case models.StepStatusRunning:
		return "●"
	default:
		return "○"
	}
}

func stepStyle(s models.StepStatus) lipgloss.Style {
	switch s {
	case models.StepStatusCompleted:
		return completedStyle
	case models.StepStatusFailed:
		return failedStyle
	case models.StepStatusSkipped:
		return skippedStyle
	case models.StepStatusRunning:
		return runningStyle
	default:
		return pendingStyle
	}
}

func workflowStyle(s models.WorkflowStatus) lipgloss.Style {
	switch s {
	case models.WorkflowStatusCompleted:
		return completedStyle
	case models.WorkflowStatusFailed:
		return failedStyle
	case models.WorkflowStatusCancelled:
		return skippedStyle
	default:
		return runningStyle
	}
}

// Follow renders the workflow's progress until it reaches a terminal
// status, the user detaches, or ctx ends. The workflow itself is
// unaffected by the view exiting.
func Follow(ctx context.Context, w *models.Workflow, events <-chan orchestrator.Event) error {
	p := tea.NewProgram(newModel(w), tea.WithContext(ctx))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					p.Send(streamClosedMsg{})
					return
				}
				if ev.WorkflowID == w.ID {
					p.Send(eventMsg(ev))
				}
			}
		}
	}()

	_, err := p.Run()
	if err != nil && (errors.Is(err, tea.ErrProgramKilled) || errors.Is(ctx.Err(), context.Canceled)) {
		return nil
	}
	return err
}
