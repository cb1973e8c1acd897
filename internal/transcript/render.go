package transcript

import (
	"regexp"
	"strconv"

	"github.com/tungmaiv/lumikb-client/internal/domain/models"
)

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// Segment is one run of rendered turn content. Citation is set when the
// segment is a resolved [n] marker; plain text segments (including unresolved
// markers, which degrade to literal text) leave it nil.
type Segment struct {
	Text     string
	Citation *models.Citation
}

// RenderContent splits turn content into segments, resolving [n] markers
// against the turn's citations. Unresolved markers are returned as literal
// text; rendering never fails.
func RenderContent(turn models.Turn) []Segment {
	content := turn.Content
	if content == "" {
		return nil
	}

	var segments []Segment
	last := 0
	for _, m := range citationMarker.FindAllStringSubmatchIndex(content, -1) {
		start, end := m[0], m[1]
		number, err := strconv.Atoi(content[m[2]:m[3]])
		if err != nil {
			continue // marker longer than an int - leave it in the text run
		}
		citation := turn.Citation(number)
		if citation == nil {
			continue // unresolved marker stays literal
		}
		if start > last {
			segments = append(segments, Segment{Text: content[last:start]})
		}
		segments = append(segments, Segment{Text: content[start:end], Citation: citation})
		last = end
	}
	if last < len(content) {
		segments = append(segments, Segment{Text: content[last:]})
	}

	return segments
}
