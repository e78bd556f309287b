package entities

// DefaultChapterLabel is the chapter assumed before any heading has crossed the viewport center.
const DefaultChapterLabel = "Chapter I"

// ReadingPosition is what the reader is currently looking at.
type ReadingPosition struct {
	ChapterLabel     string `json:"chapter"`
	ParagraphSnippet string `json:"paragraph"`
}

// BlockKind tags a content block of the reading view.
type BlockKind string

const (
	BlockChapter   BlockKind = "chapter"
	BlockParagraph BlockKind = "paragraph"
)

// Block is one laid-out element of the book, positioned in the scroll container's content flow.
// Chapter markers carry Label; paragraphs carry Text.
type Block struct {
	Kind   BlockKind `json:"kind"`
	Label  string    `json:"label,omitempty"`
	Text   string    `json:"text,omitempty"`
	Top    float64   `json:"top"`
	Height float64   `json:"height"`
}

// Viewport is the visible window of the scroll container.
type Viewport struct {
	ScrollTop float64 `json:"scroll_top"`
	Height    float64 `json:"height"`
}

// Center returns the content offset of the viewport's horizontal center line.
func (v Viewport) Center() float64 {
	return v.ScrollTop + v.Height/2
}
