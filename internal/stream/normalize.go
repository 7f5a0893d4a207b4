package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gosuda/tako/internal/domain"
)

// ErrMalformedEvent is wrapped by diagnostics for events that carry a
// recognized tag but an unusable payload.
var ErrMalformedEvent = errors.New("stream: malformed event") //nolint:gochecknoglobals // sentinel error

var emptyObject = json.RawMessage(`{}`) //nolint:gochecknoglobals // fixed encoding

// Normalize maps one raw engine event onto the step vocabulary.
//
// It returns ok=false for events outside the vocabulary and for empty text
// chunks. A non-nil error is a diagnostic only: the event is dropped and the
// stream continues. Normalize has no side effects.
func Normalize(ev RawEvent) (domain.StepRecord, bool, error) {
	switch ev.Event {
	case EventChatModelStream, EventLLMStream:
		text, err := chunkText(ev.Data)
		if err != nil {
			return domain.StepRecord{}, false, malformed(ev, err)
		}
		if text == "" {
			return domain.StepRecord{}, false, nil
		}
		return domain.StepRecord{Kind: domain.StepTextDelta, Content: text}, true, nil

	case EventToolStart:
		if strings.TrimSpace(ev.Name) == "" {
			return domain.StepRecord{}, false, malformed(ev, errors.New("missing tool name"))
		}
		var data struct {
			Input json.RawMessage `json:"input"`
		}
		if err := decodeData(ev.Data, &data); err != nil {
			return domain.StepRecord{}, false, malformed(ev, err)
		}
		input := emptyObject
		if !absent(data.Input) {
			input = data.Input
		}
		return domain.StepRecord{
			Kind:     domain.StepToolStart,
			ToolName: ev.Name,
			Input:    bytes.Clone(input),
		}, true, nil

	case EventToolEnd:
		if strings.TrimSpace(ev.Name) == "" {
			return domain.StepRecord{}, false, malformed(ev, errors.New("missing tool name"))
		}
		var data struct {
			Output json.RawMessage `json:"output"`
		}
		if err := decodeData(ev.Data, &data); err != nil {
			return domain.StepRecord{}, false, malformed(ev, err)
		}
		output := domain.NoOutputJSON
		if !absent(data.Output) {
			output = data.Output
		}
		return domain.StepRecord{
			Kind:     domain.StepToolEnd,
			ToolName: ev.Name,
			Output:   bytes.Clone(output),
		}, true, nil

	case EventChainStart:
		return domain.StepRecord{Kind: domain.StepChainStart, Name: ev.Name}, true, nil
	case EventChainEnd:
		return domain.StepRecord{Kind: domain.StepChainEnd, Name: ev.Name}, true, nil
	case EventLLMStart, EventChatModelStart:
		return domain.StepRecord{Kind: domain.StepLLMStart, Name: ev.Name}, true, nil
	case EventLLMEnd, EventChatModelEnd:
		return domain.StepRecord{Kind: domain.StepLLMEnd, Name: ev.Name}, true, nil

	default:
		return domain.StepRecord{}, false, nil
	}
}

func malformed(ev RawEvent, err error) error {
	return fmt.Errorf("stream.Normalize(%s %q): %w: %w", ev.Event, ev.Name, ErrMalformedEvent, err)
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeData(raw json.RawMessage, v any) error {
	if absent(raw) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// chunkText extracts streamed model text. The chunk may be a bare string, an
// object with a string content, or an object whose content is a list of parts
// where only {"type":"text"} parts carry text.
func chunkText(raw json.RawMessage) (string, error) {
	var data struct {
		Chunk json.RawMessage `json:"chunk"`
	}
	if err := decodeData(raw, &data); err != nil {
		return "", err
	}
	chunk := bytes.TrimSpace(data.Chunk)
	if absent(chunk) {
		return "", nil
	}

	switch chunk[0] {
	case '"':
		var s string
		if err := json.Unmarshal(chunk, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(chunk, &msg); err != nil {
			return "", err
		}
		return contentText(msg.Content)
	default:
		return "", fmt.Errorf("unexpected chunk %.20q", chunk)
	}
}

func contentText(raw json.RawMessage) (string, error) {
	content := bytes.TrimSpace(raw)
	if absent(content) {
		return "", nil
	}

	switch content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return "", err
		}
		return s, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(content, &parts); err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, p := range parts {
			p = bytes.TrimSpace(p)
			if len(p) == 0 {
				continue
			}
			if p[0] == '"' {
				var s string
				if err := json.Unmarshal(p, &s); err != nil {
					return "", err
				}
				sb.WriteString(s)
				continue
			}
			var part struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(p, &part); err != nil {
				return "", err
			}
			if part.Type == "text" {
				sb.WriteString(part.Text)
			}
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("unexpected content %.20q", content)
	}
}
