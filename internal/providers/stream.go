package providers

import (
	"encoding/json"
	"fmt"
)

// Anthropic-style server-sent event types. Adapters for non-Anthropic
// backends translate their native stream frames into this set so the relay
// layer speaks a single wire dialect.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// StreamEvent is one SSE frame. Data is the already-serialized JSON payload;
// the relay writes it verbatim so event boundaries survive intact. Err is
// set only on the terminal event of a failed stream.
type StreamEvent struct {
	Type string
	Data json.RawMessage
	Err  error
}

func event(typ string, payload any) StreamEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		// payloads are adapter-built structs; marshal failure is a bug
		panic(fmt.Sprintf("providers: marshal %s event: %v", typ, err))
	}
	return StreamEvent{Type: typ, Data: data}
}

// MessageStartEvent opens a streamed message.
func MessageStartEvent(id, model string, usage Usage) StreamEvent {
	return event(EventMessageStart, map[string]any{
		"type": EventMessageStart,
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	})
}

// PingEvent is a keepalive frame.
func PingEvent() StreamEvent {
	return event(EventPing, map[string]any{"type": EventPing})
}

// ContentBlockStartEvent opens content block index.
func ContentBlockStartEvent(index int) StreamEvent {
	return event(EventContentBlockStart, map[string]any{
		"type":          EventContentBlockStart,
		"index":         index,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

// TextDeltaEvent carries one chunk of generated text for block index.
func TextDeltaEvent(index int, text string) StreamEvent {
	return event(EventContentBlockDelta, map[string]any{
		"type":  EventContentBlockDelta,
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

// ContentBlockStopEvent closes content block index.
func ContentBlockStopEvent(index int) StreamEvent {
	return event(EventContentBlockStop, map[string]any{
		"type":  EventContentBlockStop,
		"index": index,
	})
}

// MessageDeltaEvent carries the stop reason and final usage counters.
func MessageDeltaEvent(stopReason string, usage Usage) StreamEvent {
	return event(EventMessageDelta, map[string]any{
		"type":  EventMessageDelta,
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": usage.OutputTokens},
	})
}

// MessageStopEvent closes a streamed message cleanly.
func MessageStopEvent() StreamEvent {
	return event(EventMessageStop, map[string]any{"type": EventMessageStop})
}

// StreamErrorEvent is the terminal frame of a failed stream. The cause is
// preserved in Err for server-side logging; the wire payload carries only
// the public message.
func StreamErrorEvent(cause error) StreamEvent {
	msg := "upstream stream error"
	if cause != nil {
		msg = cause.Error()
	}
	ev := event(EventError, map[string]any{
		"type":  EventError,
		"error": map[string]any{"type": "api_error", "message": msg},
	})
	ev.Err = cause
	return ev
}
