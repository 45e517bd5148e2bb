package annotation

import (
	"strings"
	"time"
)

// Annotation is one wire-transferable annotation record. The server assigns
// ID on first persist; locally created records carry a client-generated id so
// the upsert route can address them. Deletion metadata stays on the record so
// deleted annotations remain auditable without being rendered.
type Annotation struct {
	ID          string
	DocumentID  string
	UserID      string
	UserName    string
	CreatedAt   *time.Time
	ModifiedAt  *time.Time
	Page        uint
	Deleted     bool
	DeletedAt   *time.Time
	DeletedBy   string
	DeletedByID string
	Kind        Kind
}

// Kind identifies exactly one annotation payload variant. The set of
// implementations is closed; the wire "type" string is derived from the
// variant and never stored separately.
type Kind interface {
	wireType() string
}

// Highlight marks one or more text regions with a translucent color.
type Highlight struct {
	Color         string
	BoundingBoxes []Rect
	Rect          Rect
	Contents      string
}

func (Highlight) wireType() string { return "highlight" }

// Strikeout crosses out one or more text regions.
type Strikeout struct {
	Color         string
	BoundingBoxes []Rect
	Rect          Rect
	Contents      string
}

func (Strikeout) wireType() string { return "strikeout" }

// FreeText places editable text directly on the page.
type FreeText struct {
	FontFamily string
	FontSize   int
	Text       string
	Rect       Rect
	Color      string
}

func (FreeText) wireType() string { return "freetext" }

// Pin anchors a comment thread at a point on the page. The wire type is the
// legacy name "text".
type Pin struct {
	Color    string
	Rect     Rect
	Contents string
}

func (Pin) wireType() string { return "text" }

// CommentReply is a reply in the thread rooted at the Parent annotation id.
type CommentReply struct {
	Parent string
	Text   string
}

func (CommentReply) wireType() string { return "commentReply" }

// Ink is a freehand drawing made of one or more gestures, each a pen-down to
// pen-up stroke of points.
type Ink struct {
	Gestures [][]InkPoint
	Color    string
	Rect     Rect
	Contents string
}

func (Ink) wireType() string { return "ink" }

// Square outlines a rectangular region.
type Square struct {
	Color    string
	Width    float64
	Rect     Rect
	Contents string
}

func (Square) wireType() string { return "square" }

// Unsupported is the decode fallback for wire types this client does not
// understand. It cannot be re-encoded.
type Unsupported struct {
	WireType string
}

func (Unsupported) wireType() string { return "" }

// IsEmpty reports whether the annotation carries no user content. Empty
// free-text and comment-reply records must never be written to the remote
// store.
func (a Annotation) IsEmpty() bool {
	switch kind := a.Kind.(type) {
	case FreeText:
		return strings.TrimSpace(kind.Text) == ""
	case CommentReply:
		return strings.TrimSpace(kind.Text) == ""
	default:
		return false
	}
}

// WireType returns the wire "type" string for the annotation's kind, or the
// empty string for Unsupported.
func (a Annotation) WireType() string {
	if a.Kind == nil {
		return ""
	}
	return a.Kind.wireType()
}

// TotalInkPoints counts the points across every gesture of an ink
// annotation. Non-ink annotations count zero.
func (a Annotation) TotalInkPoints() int {
	ink, ok := a.Kind.(Ink)
	if !ok {
		return 0
	}
	total := 0
	for _, gesture := range ink.Gestures {
		total += len(gesture)
	}
	return total
}
