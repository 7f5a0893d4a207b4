package domain

// SegmentKind classifies a display segment of a response.
type SegmentKind string

const (
	SegmentText  SegmentKind = "text"
	SegmentEmbed SegmentKind = "embed"
)

// Segment is one piece of a finalized response: plain text or an embedded
// visualization.
type Segment struct {
	Kind   SegmentKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	URL    string      `json:"url,omitempty"`
	Height int         `json:"height,omitempty"`
	// Unavailable marks a text segment that replaced an embed whose URL was
	// missing or not allowed.
	Unavailable bool `json:"unavailable,omitempty"`
}
