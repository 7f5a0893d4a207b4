package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gosuda/tako/internal/domain"
)

// ErrSequenceGap is returned when a log's sequence numbers are not gapless.
var ErrSequenceGap = errors.New("stream: sequence gap") //nolint:gochecknoglobals // sentinel error

// StepsSince is the cursor contract shared by live logs and archived turns.
// cursor counts the records already consumed; a negative cursor reads from the
// start and a cursor past the end yields nothing and is returned unchanged.
func StepsSince(steps []domain.StepRecord, cursor int) ([]domain.StepRecord, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(steps) {
		return nil, cursor
	}
	fresh := steps[cursor:]
	return fresh, cursor + len(fresh)
}

// Verify checks that sequence numbers run 0..n-1 without gaps.
func Verify(steps []domain.StepRecord) error {
	for i, s := range steps {
		if s.Seq != i {
			return fmt.Errorf("stream.Verify: expected seq %d, got %d: %w", i, s.Seq, ErrSequenceGap)
		}
	}
	return nil
}

// Text concatenates the content of all text_delta records in order.
func Text(steps []domain.StepRecord) string {
	var sb strings.Builder
	for _, s := range steps {
		if s.Kind == domain.StepTextDelta {
			sb.WriteString(s.Content)
		}
	}
	return sb.String()
}
