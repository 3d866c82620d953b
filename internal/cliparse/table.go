// Package cliparse extracts structured rows from Asterisk CLI text.
//
// The PBX prints fixed-width tables whose column widths are given by a
// separator line of '=' runs under the header. The parsers locate that line,
// derive column spans from it and read every following line as a row.
// Nothing here returns an error: malformed input produces fewer rows.
package cliparse

import (
	"strings"
)

type span struct {
	start, end int // end is exclusive; -1 means end of line
}

type table struct {
	headers []string
	rows    [][]string
}

// normalize strips AMI framing so AMI Command replies and raw CLI output
// parse the same way.
func normalize(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if strings.HasPrefix(line, "Output: ") {
			line = strings.TrimPrefix(line, "Output: ")
		} else if line == "Output:" {
			line = ""
		}
		if strings.TrimSpace(line) == "--END COMMAND--" {
			continue
		}
		lines = append(lines, strings.TrimRight(line, " \t"))
	}
	return lines
}

func isSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.Contains(trimmed, "=") {
		return false
	}
	for _, r := range trimmed {
		if r != '=' && r != ' ' {
			return false
		}
	}
	return true
}

func spansOf(sep string) []span {
	var spans []span
	start := -1
	for i, r := range sep {
		switch {
		case r == '=' && start < 0:
			start = i
		case r != '=' && start >= 0:
			spans = append(spans, span{start: start})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start})
	}
	// each column runs up to the start of the next one
	for i := range spans {
		if i+1 < len(spans) {
			spans[i].end = spans[i+1].start
		} else {
			spans[i].end = -1
		}
	}
	return spans
}

func cut(line string, s span) string {
	if s.start >= len(line) {
		return ""
	}
	end := s.end
	if end < 0 || end > len(line) {
		end = len(line)
	}
	return strings.TrimSpace(line[s.start:end])
}

func headerKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, "?")
	return strings.Join(strings.Fields(h), " ")
}

// parseTable reads the first separator-delimited table in text.
func parseTable(text string) table {
	lines := normalize(text)

	sepIdx := -1
	for i, line := range lines {
		if isSeparator(line) {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		return table{}
	}

	spans := spansOf(lines[sepIdx])
	var t table

	if header := previousNonEmpty(lines, sepIdx); header != "" {
		for _, s := range spans {
			t.headers = append(t.headers, headerKey(cut(header, s)))
		}
	}

	for _, line := range lines[sepIdx+1:] {
		if strings.TrimSpace(line) == "" || isSeparator(line) {
			continue
		}
		t.rows = append(t.rows, splitRow(line, spans))
	}
	return t
}

func previousNonEmpty(lines []string, idx int) string {
	for i := idx - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// splitRow prefers whitespace tokens when they line up one-to-one with the
// columns; long values can overflow their column and shift fixed offsets.
// Empty cells fall back to fixed offsets.
func splitRow(line string, spans []span) []string {
	if fields := strings.Fields(line); len(fields) == len(spans) {
		return fields
	}
	cells := make([]string, len(spans))
	for i, s := range spans {
		cells[i] = cut(line, s)
	}
	return cells
}

func (t table) column(names ...string) int {
	for _, name := range names {
		for i, h := range t.headers {
			if h == name {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func yes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "true", "1", "locked", "muted":
		return true
	}
	return false
}
