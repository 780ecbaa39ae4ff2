package runner

import (
	"encoding/json"
	"strings"

	"github.com/noory-code/evonest/internal/logging"
)

// streamEvent is one line of the LM's stream-json output:
//
//	{"type":"system","subtype":"init","tools":["Read","Edit",...]}
//	{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{...}}]}}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//	{"type":"result","subtype":"success","result":"..."}
type streamEvent struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype"`
	Message *streamMessage `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Tools   []string       `json:"tools,omitempty"`
}

type streamMessage struct {
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Text  string `json:"text,omitempty"`
	Input any    `json:"input,omitempty"`
}

// streamCollector folds NDJSON events into the invocation's final output
// and counters, logging assistant activity as it arrives.
type streamCollector struct {
	logger *logging.Logger

	turns     int
	result    string
	errText   string
	textParts []string
}

func newStreamCollector(logger *logging.Logger) *streamCollector {
	return &streamCollector{logger: logger}
}

// ConsumeLine processes one line of stdout.
func (c *streamCollector) ConsumeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return
	}
	var event streamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return
	}

	switch event.Type {
	case "system":
		if event.Subtype == "init" {
			c.logger.Debug("lm: session initialized", "tools", strings.Join(event.Tools, ","))
		}

	case "assistant":
		c.turns++
		if event.Message == nil {
			return
		}
		for _, content := range event.Message.Content {
			switch content.Type {
			case "tool_use":
				c.logger.Info("lm: tool use", "tool", content.Name)
			case "text":
				if content.Text != "" {
					c.textParts = append(c.textParts, content.Text)
					c.logger.Info("lm: assistant turn",
						"turn", c.turns, "text", truncate(content.Text, 200))
				}
			}
		}

	case "result":
		if event.Subtype == "success" {
			c.result = event.Result
		} else if event.Error != "" {
			c.errText = event.Error
		} else if event.Subtype != "" && event.Subtype != "success" {
			c.errText = "LM reported result subtype: " + event.Subtype
		}

	case "error":
		if event.Error != "" {
			c.errText = event.Error
		}
	}
}

// FinalOutput returns the result event's text, falling back to the
// concatenated assistant text when the stream ended without one.
func (c *streamCollector) FinalOutput() string {
	if c.result != "" {
		return c.result
	}
	return strings.Join(c.textParts, "\n")
}

// Turns returns the number of assistant turns observed.
func (c *streamCollector) Turns() int { return c.turns }

// Error returns the stream's error text, if any event carried one.
func (c *streamCollector) Error() string { return c.errText }

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}
