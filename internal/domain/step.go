package domain

import (
	"bytes"
	"encoding/json"
)

// StepKind categorizes a normalized step record.
type StepKind string

const (
	StepTextDelta StepKind = "text_delta"
	StepToolStart StepKind = "tool_start"
	StepToolEnd   StepKind = "tool_end"

	// Lifecycle kinds are captured in the log but never rendered.
	StepChainStart StepKind = "chain_start"
	StepChainEnd   StepKind = "chain_end"
	StepLLMStart   StepKind = "llm_start"
	StepLLMEnd     StepKind = "llm_end"
)

// NoOutput is the tool output placeholder used when an engine reports no output.
// Renderers omit the output line when a tool_end carries it.
const NoOutput = "No output"

// Rendered reports whether a renderer should draw records of this kind.
func (k StepKind) Rendered() bool {
	switch k {
	case StepTextDelta, StepToolStart, StepToolEnd:
		return true
	default:
		return false
	}
}

// StepRecord is one observable unit of agent progress within a turn.
type StepRecord struct {
	Kind StepKind `json:"kind"`
	// Seq is assigned at append time: 0-based, gapless, unique per turn.
	Seq int `json:"seq"`
	// Display is the user-facing step index. It increments on tool_start only;
	// the paired tool_end carries the same value. Zero means "none".
	Display int `json:"display,omitempty"`

	Content  string          `json:"content,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Name     string          `json:"name,omitempty"`
}

// NoOutputJSON is NoOutput encoded as a JSON string.
var NoOutputJSON = json.RawMessage(`"No output"`) //nolint:gochecknoglobals // fixed encoding

// HasOutput reports whether a tool_end carries real output rather than the
// NoOutput placeholder.
func (s StepRecord) HasOutput() bool {
	if len(s.Output) == 0 {
		return false
	}
	return !bytes.Equal(bytes.TrimSpace(s.Output), NoOutputJSON)
}
