package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noory-code/evonest/internal/logging"
)

func TestStreamCollector_ResultWins(t *testing.T) {
	c := newStreamCollector(logging.NewNop())
	c.ConsumeLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"thinking aloud"}]}}`)
	c.ConsumeLine(`{"type":"result","subtype":"success","result":"final"}`)

	assert.Equal(t, "final", c.FinalOutput())
	assert.Equal(t, 1, c.Turns())
	assert.Empty(t, c.Error())
}

func TestStreamCollector_TurnCounting(t *testing.T) {
	c := newStreamCollector(logging.NewNop())
	c.ConsumeLine(`{"type":"system","subtype":"init"}`)
	c.ConsumeLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`)
	c.ConsumeLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}`)
	c.ConsumeLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"b"}]}}`)

	assert.Equal(t, 3, c.Turns())
	assert.Equal(t, "a\nb", c.FinalOutput())
}

func TestStreamCollector_IgnoresGarbage(t *testing.T) {
	c := newStreamCollector(logging.NewNop())
	c.ConsumeLine("")
	c.ConsumeLine("plain text progress")
	c.ConsumeLine("{broken json")
	c.ConsumeLine(`{"type":"result","subtype":"success","result":"ok"}`)

	assert.Equal(t, "ok", c.FinalOutput())
	assert.Equal(t, 0, c.Turns())
}

func TestStreamCollector_ErrorEvents(t *testing.T) {
	c := newStreamCollector(logging.NewNop())
	c.ConsumeLine(`{"type":"error","error":"boom"}`)
	assert.Equal(t, "boom", c.Error())

	c2 := newStreamCollector(logging.NewNop())
	c2.ConsumeLine(`{"type":"result","subtype":"error_max_turns"}`)
	assert.Contains(t, c2.Error(), "error_max_turns")
}
