package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// streamMessage is the subset of the agent CLI's stream-json output we read
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
		Usage *streamUsage `json:"usage,omitempty"`
	} `json:"message"`
	Usage   *streamUsage `json:"usage,omitempty"`
	Result  string       `json:"result,omitempty"`
	IsError bool         `json:"is_error,omitempty"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamDecoder turns stream-json lines into typed events. Token usage is
// reported as deltas: per-message usage is summed, and the final result
// message only contributes whatever the messages did not already account for.
type streamDecoder struct {
	taskID  string
	mu      sync.Mutex
	in, out int
	failed  bool
	result  string
}

func newStreamDecoder(taskID string) *streamDecoder {
	return &streamDecoder{taskID: taskID}
}

// Decode converts one output line into zero or more events. Lines that are
// not stream-json become plain log events.
func (d *streamDecoder) Decode(line string, isErr bool) []domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var msg streamMessage
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &msg) != nil || msg.Type == "" {
		level := "info"
		if isErr {
			level = "error"
		}
		return []domain.Event{d.logEvent(now, level, line)}
	}

	var events []domain.Event
	switch msg.Type {
	case "system":
		if msg.Subtype != "" {
			events = append(events, d.logEvent(now, "debug", "system: "+msg.Subtype))
		}
	case "assistant":
		for _, c := range msg.Message.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					events = append(events, d.logEvent(now, "info", c.Text))
				}
			case "tool_use":
				events = append(events, d.logEvent(now, "debug", fmt.Sprintf("tool %s %s", c.Name, truncate(string(c.Input), 200))))
			}
		}
		if u := msg.Message.Usage; u != nil {
			events = append(events, d.tokens(now, u.InputTokens, u.OutputTokens))
		}
	case "result":
		d.result = msg.Result
		if msg.IsError || (msg.Subtype != "" && msg.Subtype != "success") {
			d.failed = true
			events = append(events, d.logEvent(now, "error", "result: "+msg.Subtype))
		}
		if u := msg.Usage; u != nil {
			events = append(events, d.tokens(now, u.InputTokens-d.in, u.OutputTokens-d.out))
		}
	}
	return dropEmptyTokens(events)
}

func (d *streamDecoder) logEvent(now time.Time, level, text string) domain.Event {
	return domain.Event{
		TaskID: d.taskID,
		Kind:   domain.EventLog,
		Time:   now,
		Log:    &domain.LogLine{Level: level, Text: text, Time: now},
	}
}

func (d *streamDecoder) tokens(now time.Time, in, out int) domain.Event {
	if in < 0 {
		in = 0
	}
	if out < 0 {
		out = 0
	}
	d.in += in
	d.out += out
	return domain.Event{TaskID: d.taskID, Kind: domain.EventTokens, Time: now, TokensIn: in, TokensOut: out}
}

// Totals returns the cumulative token counts seen so far.
func (d *streamDecoder) Totals() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.in, d.out
}

// Failed reports whether the agent's result message signalled an error.
func (d *streamDecoder) Failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

func dropEmptyTokens(events []domain.Event) []domain.Event {
	out := events[:0]
	for _, e := range events {
		if e.Kind == domain.EventTokens && e.TokensIn == 0 && e.TokensOut == 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
