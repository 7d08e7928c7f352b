package notify

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string   // Optional run reference
	Details []string // Optional lines, one per unmerged branch or failed task
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// RunFinished builds the notification sent when a run reaches a terminal status.
func RunFinished(run *domain.Run) Notification {
	n := Notification{
		Title: fmt.Sprintf("Run %s %s", shortID(run.ID), run.Status),
		RunID: run.ID,
	}
	switch run.Status {
	case domain.RunCompleted:
		n.Type = NotifySuccess
	case domain.RunCompletedWithWarnings:
		n.Type = NotifyWarning
	case domain.RunFailed:
		n.Type = NotifyError
	default:
		n.Type = NotifyInfo
	}

	var parts []string
	if m := run.Merge; m != nil {
		parts = append(parts, fmt.Sprintf("%d merged into %s", len(m.Merged), m.IntegrationBranch))
		for _, b := range m.Unmerged {
			n.Details = append(n.Details, "unmerged: "+b)
		}
		for _, s := range m.Skipped {
			line := fmt.Sprintf("%s: %s", s.Status, s.Branch)
			if s.Reason != "" {
				line += " (" + s.Reason + ")"
			}
			n.Details = append(n.Details, line)
		}
		if len(m.Unmerged) > 0 {
			parts = append(parts, fmt.Sprintf("%d unmerged", len(m.Unmerged)))
		}
		if len(m.Skipped) > 0 {
			parts = append(parts, fmt.Sprintf("%d not completed", len(m.Skipped)))
		}
	}
	if run.Reason != "" {
		parts = append(parts, run.Reason)
	}
	n.Message = strings.Join(parts, ", ")
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
