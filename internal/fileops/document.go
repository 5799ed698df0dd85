package fileops

import "strings"

// document is the in-memory line-slice representation of a file's
// content. Splitting on "\n" and keeping the trailing-newline flag
// lets splice/join round-trip byte-for-byte for files that do or
// don't end in a newline.
type document struct {
	lines         []string
	trailingNewline bool
}

func newDocument(data []byte) *document {
	s := string(data)
	trailing := strings.HasSuffix(s, "\n")
	if trailing {
		s = s[:len(s)-1]
	}
	var lines []string
	if s == "" && !trailing {
		lines = nil
	} else {
		lines = strings.Split(s, "\n")
	}
	return &document{lines: lines, trailingNewline: trailing}
}

func (d *document) lineCount() int {
	return len(d.lines)
}

// slice returns lines [start, end) (0-indexed, end exclusive).
func (d *document) slice(start, end int) []string {
	if start < 0 {
		start = 0
	}
	if end > len(d.lines) {
		end = len(d.lines)
	}
	if start >= end {
		return []string{}
	}
	out := make([]string, end-start)
	copy(out, d.lines[start:end])
	return out
}

// splice returns a new document with lines [start, end) replaced by
// replacement, preserving the trailing-newline convention of the
// original.
func (d *document) splice(start, end int, replacement []string) *document {
	out := make([]string, 0, len(d.lines)-(end-start)+len(replacement))
	out = append(out, d.lines[:start]...)
	out = append(out, replacement...)
	out = append(out, d.lines[end:]...)
	return &document{lines: out, trailingNewline: d.trailingNewline}
}

func (d *document) join() string {
	s := strings.Join(d.lines, "\n")
	if d.trailingNewline && len(d.lines) > 0 {
		s += "\n"
	}
	return s
}
