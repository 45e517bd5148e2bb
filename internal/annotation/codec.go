package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

const (
	// defaultColor stands in when a wire record omits its color.
	defaultColor = "#000000"
	// pinColor is the palette blue used for comment pins.
	pinColor = "#008EE2"
	// pinIcon is the fixed icon name the store expects on pin records.
	pinIcon = "Comment"

	defaultFontSize   = 14
	defaultFontFamily = "Verdana"

	// Gestures longer than this are simplified before encoding.
	simplifyPointThreshold = 10
	// encodeSimplifyEpsilon is the tolerance applied to uploaded gestures.
	encodeSimplifyEpsilon = 0.4
)

var (
	// ErrUnsupportedType indicates an attempt to encode an annotation whose
	// kind was the decode fallback.
	ErrUnsupportedType = errors.New("annotation: cannot encode unsupported type")
	// ErrMissingParent indicates a comment reply without an inreplyto id.
	ErrMissingParent = errors.New("annotation: comment reply requires parent id")
	// ErrMalformedRecord indicates a wire record whose structure could not be
	// decoded at all.
	ErrMalformedRecord = errors.New("annotation: malformed record")
)

var (
	fontSizePattern   = regexp.MustCompile(`^[^\d]*(\d+)`)
	fontFamilyPattern = regexp.MustCompile(`\b(\w+)$`)
)

// wireRecord mirrors the store's JSON field names. Kind-specific fields are
// pointers or omitempty so absent and present-but-empty stay distinguishable.
type wireRecord struct {
	ID          string        `json:"id,omitempty"`
	DocumentID  string        `json:"document_id,omitempty"`
	UserID      string        `json:"user_id,omitempty"`
	UserName    string        `json:"user_name,omitempty"`
	CreatedAt   *Timestamp    `json:"created_at,omitempty"`
	ModifiedAt  *Timestamp    `json:"modified_at,omitempty"`
	Page        uint          `json:"page"`
	Deleted     bool          `json:"deleted,omitempty"`
	DeletedAt   *Timestamp    `json:"deleted_at,omitempty"`
	DeletedBy   string        `json:"deleted_by,omitempty"`
	DeletedByID string        `json:"deleted_by_id,omitempty"`
	Type        string        `json:"type"`
	Color       string        `json:"color,omitempty"`
	Icon        string        `json:"icon,omitempty"`
	Contents    *string       `json:"contents,omitempty"`
	Font        string        `json:"font,omitempty"`
	Parent      string        `json:"inreplyto,omitempty"`
	Coords      [][][]float64 `json:"coords,omitempty"`
	Rect        [][]float64   `json:"rect,omitempty"`
	Inklist     *wireInklist  `json:"inklist,omitempty"`
	Width       *float64      `json:"width,omitempty"`
}

type wireInklist struct {
	Gestures [][]InkPoint `json:"gestures"`
}

// wireDocument is the bulk-fetch envelope.
type wireDocument struct {
	Data []json.RawMessage `json:"data"`
}

// Decode parses one wire annotation. Unknown types decode to the Unsupported
// kind; malformed geometry degrades to zero rectangles; only structurally
// undecodable JSON is an error.
func Decode(data []byte) (Annotation, error) {
	var record wireRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return Annotation{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return fromWire(record)
}

// DecodeList parses the bulk-fetch document {"data": [...]}. A single bad
// record fails the whole list, matching the store contract.
func DecodeList(data []byte) ([]Annotation, error) {
	var document wireDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	annotations := make([]Annotation, 0, len(document.Data))
	for index, raw := range document.Data {
		decoded, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", index, err)
		}
		annotations = append(annotations, decoded)
	}
	return annotations, nil
}

// Encode renders one annotation in wire form. Encoding the Unsupported kind
// fails; gestures above the point threshold are simplified first.
func Encode(a Annotation) ([]byte, error) {
	record, err := toWire(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record)
}

func fromWire(record wireRecord) (Annotation, error) {
	annotation := Annotation{
		ID:          record.ID,
		DocumentID:  record.DocumentID,
		UserID:      record.UserID,
		UserName:    record.UserName,
		CreatedAt:   timeOrNil(record.CreatedAt),
		ModifiedAt:  timeOrNil(record.ModifiedAt),
		Page:        record.Page,
		Deleted:     record.Deleted,
		DeletedAt:   timeOrNil(record.DeletedAt),
		DeletedBy:   record.DeletedBy,
		DeletedByID: record.DeletedByID,
	}

	contents := ""
	if record.Contents != nil {
		contents = *record.Contents
	}

	switch record.Type {
	case "highlight":
		annotation.Kind = Highlight{
			Color:         record.Color,
			BoundingBoxes: decodeBoxes(record.Coords),
			Rect:          rectFromWire(record.Rect),
			Contents:      contents,
		}
	case "strikeout":
		annotation.Kind = Strikeout{
			Color:         record.Color,
			BoundingBoxes: decodeBoxes(record.Coords),
			Rect:          rectFromWire(record.Rect),
			Contents:      contents,
		}
	case "freetext":
		size, family := parseFont(record.Font)
		annotation.Kind = FreeText{
			FontFamily: family,
			FontSize:   size,
			Text:       contents,
			Rect:       rectFromWire(record.Rect),
			Color:      colorOrDefault(record.Color, defaultColor),
		}
	case "text":
		annotation.Kind = Pin{
			Color:    colorOrDefault(record.Color, pinColor),
			Rect:     rectFromWire(record.Rect),
			Contents: contents,
		}
	case "commentReply":
		if record.Parent == "" {
			return Annotation{}, ErrMissingParent
		}
		annotation.Kind = CommentReply{
			Parent: record.Parent,
			Text:   contents,
		}
	case "ink":
		gestures := [][]InkPoint{}
		if record.Inklist != nil {
			gestures = record.Inklist.Gestures
		}
		annotation.Kind = Ink{
			Gestures: gestures,
			Color:    colorOrDefault(record.Color, defaultColor),
			Rect:     rectFromWire(record.Rect),
			Contents: contents,
		}
	case "square":
		width := 1.0
		if record.Width != nil {
			width = *record.Width
		}
		annotation.Kind = Square{
			Color:    colorOrDefault(record.Color, defaultColor),
			Width:    width,
			Rect:     rectFromWire(record.Rect),
			Contents: contents,
		}
	default:
		annotation.Kind = Unsupported{WireType: record.Type}
	}

	return annotation, nil
}

func toWire(a Annotation) (wireRecord, error) {
	record := wireRecord{
		ID:          a.ID,
		DocumentID:  a.DocumentID,
		UserID:      a.UserID,
		UserName:    a.UserName,
		CreatedAt:   timestampOrNil(a.CreatedAt),
		ModifiedAt:  timestampOrNil(a.ModifiedAt),
		Page:        a.Page,
		Deleted:     a.Deleted,
		DeletedAt:   timestampOrNil(a.DeletedAt),
		DeletedBy:   a.DeletedBy,
		DeletedByID: a.DeletedByID,
	}

	switch kind := a.Kind.(type) {
	case Highlight:
		record.Type = kind.wireType()
		record.Color = kind.Color
		record.Coords = encodeBoxes(kind.BoundingBoxes)
		record.Rect = rectToWire(kind.Rect)
		record.Contents = optionalContents(kind.Contents)
	case Strikeout:
		record.Type = kind.wireType()
		record.Color = kind.Color
		record.Coords = encodeBoxes(kind.BoundingBoxes)
		record.Rect = rectToWire(kind.Rect)
		record.Contents = optionalContents(kind.Contents)
	case FreeText:
		record.Type = kind.wireType()
		record.Font = strconv.Itoa(kind.FontSize) + " pt " + kind.FontFamily
		record.Contents = &kind.Text
		record.Color = kind.Color
		record.Rect = rectToWire(kind.Rect)
	case Pin:
		record.Type = kind.wireType()
		record.Color = colorOrDefault(kind.Color, pinColor)
		record.Icon = pinIcon
		record.Rect = rectToWire(kind.Rect)
		record.Contents = optionalContents(kind.Contents)
	case CommentReply:
		if kind.Parent == "" {
			return wireRecord{}, ErrMissingParent
		}
		record.Type = kind.wireType()
		record.Parent = kind.Parent
		record.Contents = &kind.Text
	case Ink:
		record.Type = kind.wireType()
		record.Color = kind.Color
		record.Rect = rectToWire(kind.Rect)
		record.Contents = optionalContents(kind.Contents)
		gestures := make([][]InkPoint, 0, len(kind.Gestures))
		for _, gesture := range kind.Gestures {
			if len(gesture) > simplifyPointThreshold {
				gesture = Simplify(gesture, encodeSimplifyEpsilon)
			}
			gestures = append(gestures, gesture)
		}
		record.Inklist = &wireInklist{Gestures: gestures}
	case Square:
		record.Type = kind.wireType()
		record.Color = kind.Color
		width := kind.Width
		record.Width = &width
		record.Rect = rectToWire(kind.Rect)
		record.Contents = optionalContents(kind.Contents)
	default:
		return wireRecord{}, ErrUnsupportedType
	}

	return record, nil
}

func decodeBoxes(coords [][][]float64) []Rect {
	boxes := make([]Rect, 0, len(coords))
	for _, box := range coords {
		boxes = append(boxes, boxFromWire(box))
	}
	return boxes
}

func encodeBoxes(boxes []Rect) [][][]float64 {
	coords := make([][][]float64, 0, len(boxes))
	for _, box := range boxes {
		coords = append(coords, boxToWire(box))
	}
	return coords
}

// parseFont extracts size and family out of the free-form "<size> pt
// <family>" string, falling back to the web defaults when either part is
// missing or unparseable.
func parseFont(font string) (int, string) {
	size := defaultFontSize
	family := defaultFontFamily
	if match := fontSizePattern.FindStringSubmatch(font); match != nil {
		if parsed, err := strconv.Atoi(match[1]); err == nil {
			size = parsed
		}
	}
	if match := fontFamilyPattern.FindStringSubmatch(font); match != nil {
		family = match[1]
	}
	return size, family
}

func colorOrDefault(color, fallback string) string {
	if color == "" {
		return fallback
	}
	return color
}

func optionalContents(contents string) *string {
	if contents == "" {
		return nil
	}
	return &contents
}
