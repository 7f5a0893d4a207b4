package stream

import "encoding/json"

// Engine event tags understood by the normalizer. The envelope follows the
// astream_events v2 shape: {"event": ..., "name": ..., "data": {...}}.
const (
	EventChatModelStream = "on_chat_model_stream"
	EventChatModelStart  = "on_chat_model_start"
	EventChatModelEnd    = "on_chat_model_end"
	EventLLMStream       = "on_llm_stream"
	EventLLMStart        = "on_llm_start"
	EventLLMEnd          = "on_llm_end"
	EventToolStart       = "on_tool_start"
	EventToolEnd         = "on_tool_end"
	EventChainStart      = "on_chain_start"
	EventChainEnd        = "on_chain_end"

	// EventCheckpoint carries engine state to persist for the thread. Engine
	// adapters consume it; it never reaches the step log.
	EventCheckpoint = "on_checkpoint"
)

// RawEvent is one engine-native event as it arrives on the wire.
type RawEvent struct {
	Event string          `json:"event"`
	Name  string          `json:"name,omitempty"`
	RunID string          `json:"run_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
