// Package nolint implements the //nolint comment convention shared by this
// repo's analyzers. A comment silences findings on its own line and on the
// line directly below it, so both trailing and leading placement work.
package nolint

import (
	"go/token"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Line identifies a single line of one source file.
type Line struct {
	File string
	Num  int
}

// Index records which lines are silenced for one analyzer.
type Index map[Line]bool

// Collect scans every comment in the pass and returns the lines on which
// the named analyzer is silenced. A bare //nolint covers every analyzer;
// a scoped //nolint:names comment must include this analyzer's name.
func Collect(pass *analysis.Pass, analyzer string) Index {
	idx := make(Index)
	for _, file := range pass.Files {
		for _, group := range file.Comments {
			for _, comment := range group.List {
				if !covers(comment.Text, analyzer) {
					continue
				}
				pos := pass.Fset.Position(comment.Pos())
				idx[Line{pos.Filename, pos.Line}] = true
				idx[Line{pos.Filename, pos.Line + 1}] = true
			}
		}
	}
	return idx
}

// Suppressed reports whether a finding at pos is silenced.
func (ix Index) Suppressed(fset *token.FileSet, pos token.Pos) bool {
	p := fset.Position(pos)
	return ix[Line{p.Filename, p.Line}]
}

func covers(text, analyzer string) bool {
	i := strings.Index(text, "nolint")
	if i < 0 {
		return false
	}
	rest := text[i+len("nolint"):]
	if !strings.HasPrefix(rest, ":") {
		return true
	}
	return strings.Contains(rest, analyzer)
}
