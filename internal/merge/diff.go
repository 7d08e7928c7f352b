package merge

import (
	"github.com/pmezard/go-difflib/difflib"
)

// sideDiff renders a unified diff from the merge-base version to one side.
func sideDiff(path, base, side, label string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(base),
		B:        difflib.SplitLines(side),
		FromFile: "base/" + path,
		ToFile:   label + "/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}
