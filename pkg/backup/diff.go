package backup

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const previewLines = 50

// DiffSummary describes how a configuration changed since the previous
// backup.
type DiffSummary struct {
	Added   int    `json:"added_lines"`
	Removed int    `json:"removed_lines"`
	Preview string `json:"preview,omitempty"`
}

// Diff compares two configurations line by line.
func Diff(old, cur string) DiffSummary {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, cur)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var (
		sum     DiffSummary
		preview []string
	)
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		for _, line := range splitLines(d.Text) {
			if prefix == "+" {
				sum.Added++
			} else {
				sum.Removed++
			}
			if len(preview) < previewLines {
				preview = append(preview, prefix+line)
			}
		}
	}
	sum.Preview = strings.Join(preview, "\n")
	return sum
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
