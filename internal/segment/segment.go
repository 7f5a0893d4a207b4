// Package segment splits finished agent responses into plain text and
// embedded visualization segments.
package segment

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gosuda/tako/internal/domain"
)

// EmbedHeight is the height hint, in pixels, attached to every embed segment.
const EmbedHeight = 560

// UnavailableText replaces an embed block whose URL is missing or not allowed.
const UnavailableText = "Embed unavailable: invalid or missing URL"

const visualizationCaption = "**Interactive Visualization:**"

var (
	//nolint:gochecknoglobals // compiled regexp
	blockPattern = regexp.MustCompile(`(?i)<iframe\b[\s\S]*?</iframe\s*>|<embed\b[^>]*>(?:\s*</embed\s*>)?`)
	//nolint:gochecknoglobals // compiled regexp
	openerPattern = regexp.MustCompile(`(?i)<(?:iframe|embed)\b[\s\S]*$`)
	//nolint:gochecknoglobals // compiled regexp
	srcPattern = regexp.MustCompile(`(?i)\ssrc\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)
)

// Split segments a complete response text. Text outside embed blocks is kept
// verbatim; whitespace-only runs are dropped. Blocks with a valid http(s) src
// become embed segments and all other blocks degrade to an unavailable notice.
//
// Split must only be called on final text: a partial text may cut a block in
// half.
func Split(text string) []domain.Segment {
	segments := make([]domain.Segment, 0, 1)
	last := 0

	for _, loc := range blockPattern.FindAllStringIndex(text, -1) {
		segments = appendText(segments, text[last:loc[0]])
		segments = append(segments, embed(text[loc[0]:loc[1]]))
		last = loc[1]
	}
	return appendText(segments, text[last:])
}

func appendText(segments []domain.Segment, run string) []domain.Segment {
	if strings.TrimSpace(run) == "" {
		return segments
	}
	return append(segments, domain.Segment{Kind: domain.SegmentText, Text: run})
}

func embed(block string) domain.Segment {
	src, ok := sourceURL(block)
	if !ok {
		return domain.Segment{Kind: domain.SegmentText, Text: UnavailableText, Unavailable: true}
	}
	return domain.Segment{Kind: domain.SegmentEmbed, URL: src, Height: EmbedHeight}
}

// sourceURL extracts the block's src attribute and accepts it only when it is
// an absolute http or https URL with a host.
func sourceURL(block string) (string, bool) {
	m := srcPattern.FindStringSubmatch(block)
	if m == nil {
		return "", false
	}
	raw := strings.TrimSpace(m[1] + m[2] + m[3])
	if raw == "" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return raw, true
}

// StripEmbeds prepares still-streaming text for display. Complete embed
// blocks, a trailing block that has not been closed yet, and the
// visualization caption are removed. The bool reports whether any embed
// markup was seen, so a renderer can announce the pending visualization once.
func StripEmbeds(partial string) (string, bool) {
	seen := false

	out := blockPattern.ReplaceAllStringFunc(partial, func(string) string {
		seen = true
		return ""
	})
	if loc := openerPattern.FindStringIndex(out); loc != nil {
		seen = true
		out = out[:loc[0]]
	}
	if strings.Contains(out, visualizationCaption) {
		out = strings.ReplaceAll(out, visualizationCaption, "")
	}
	return out, seen
}
