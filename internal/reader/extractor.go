// Package reader derives the reader's current position from the layout of the reading view.
package reader

import (
	"regexp"
	"strings"
	"sync"

	"github.com/satriahrh/bookvoice/server/domain/entities"
)

const (
	snippetThreshold = 50
	snippetLength    = 120
	ellipsis         = "..."
)

var (
	romanChapterPattern = regexp.MustCompile(`(?i)Chapter\s+([IVXLC]+)`)
	arabicPattern       = regexp.MustCompile(`\d+`)

	romanToArabic = map[string]string{
		"I":    "1",
		"II":   "2",
		"III":  "3",
		"IV":   "4",
		"V":    "5",
		"VI":   "6",
		"VII":  "7",
		"VIII": "8",
		"IX":   "9",
		"X":    "10",
	}
)

// Extractor tracks the chapter and paragraph centered in the viewport.
// When nothing matches the previous value is kept, so the position never goes blank.
type Extractor struct {
	mu       sync.RWMutex
	position entities.ReadingPosition
}

// NewExtractor creates an Extractor positioned at the first chapter.
func NewExtractor() *Extractor {
	return &Extractor{
		position: entities.ReadingPosition{ChapterLabel: entities.DefaultChapterLabel},
	}
}

// Update recomputes the position from the viewport and the blocks in document order.
func (e *Extractor) Update(viewport entities.Viewport, blocks []entities.Block) entities.ReadingPosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.position = Locate(viewport, blocks, e.position)
	return e.position
}

// Position returns the last computed position.
func (e *Extractor) Position() entities.ReadingPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.position
}

// Locate computes the position for viewport, falling back to previous field by field.
func Locate(viewport entities.Viewport, blocks []entities.Block, previous entities.ReadingPosition) entities.ReadingPosition {
	center := viewport.Center()
	position := previous

	for _, block := range blocks {
		switch block.Kind {
		case entities.BlockChapter:
			if block.Top <= center {
				position.ChapterLabel = block.Label
			}
		case entities.BlockParagraph:
			if block.Top <= center && center < block.Top+block.Height {
				position.ParagraphSnippet = Snippet(block.Text)
			}
		}
	}

	return position
}

// Snippet shortens paragraph text longer than 50 characters to its first 120 followed by "...".
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetThreshold {
		return text
	}
	if len(runes) > snippetLength {
		runes = runes[:snippetLength]
	}
	return string(runes) + ellipsis
}

// ChapterOrdinal extracts the chapter number from a label such as "Chapter IV" or "Chapter 7".
// Roman numerals I to X take precedence over digits; anything else is chapter "1".
func ChapterOrdinal(label string) string {
	if m := romanChapterPattern.FindStringSubmatch(label); m != nil {
		if n, ok := romanToArabic[strings.ToUpper(m[1])]; ok {
			return n
		}
	}
	if m := arabicPattern.FindString(label); m != "" {
		return m
	}
	return "1"
}

// LineText is the paragraph snippet handed to the agent, with a default for the top of the book.
func LineText(snippet string) string {
	if snippet == "" {
		return entities.DefaultLineText
	}
	return snippet
}
