// Package classify maps raw user text to a task category through ordered
// keyword matching. Classification is pure and stateless: it looks only at
// the current turn's user text, never at prior turns.
package classify

import (
	"strings"

	"github.com/cexll/turnflow/pkg/item"
)

// Category is the closed set of task categories.
type Category string

const (
	CategoryCodeGeneration Category = "code-generation"
	CategoryCodeReview     Category = "code-review"
	CategoryBugFix         Category = "bug-fix"
	CategoryRefactoring    Category = "refactoring"
	CategoryDocumentation  Category = "documentation"
	CategoryTesting        Category = "testing"
	CategoryGeneral        Category = "general"
)

// Categories lists every category in priority order, general last.
func Categories() []Category {
	return []Category{
		CategoryCodeGeneration,
		CategoryCodeReview,
		CategoryBugFix,
		CategoryRefactoring,
		CategoryDocumentation,
		CategoryTesting,
		CategoryGeneral,
	}
}

// Valid reports whether c is a member of the closed enumeration.
func Valid(c Category) bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

type rule struct {
	category Category
	triggers []string
}

// Rule order is the priority order: the first rule with a matching trigger
// wins, so overlapping keywords resolve deterministically.
var rules = []rule{
	{CategoryCodeGeneration, []string{
		"generate", "scaffold", "boilerplate", "write a", "write an",
		"create a", "create an", "implement", "build a", "build an",
	}},
	{CategoryCodeReview, []string{
		"review", "code review", "critique", "look over", "feedback on",
	}},
	{CategoryBugFix, []string{
		"fix", "bug", "error", "crash", "broken", "panic", "exception",
		"doesn't work", "does not work", "not working", "null pointer",
	}},
	{CategoryRefactoring, []string{
		"refactor", "clean up", "cleanup", "restructure", "simplify",
		"extract", "rename",
	}},
	{CategoryDocumentation, []string{
		"document", "docs", "documentation", "readme", "docstring",
		"changelog", "comment",
	}},
	{CategoryTesting, []string{
		"test", "unit test", "coverage", "assertion", "benchmark",
	}},
}

// Classify returns the category for the given user text. No match yields
// CategoryGeneral.
func Classify(text string) Category {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return CategoryGeneral
	}
	for _, r := range rules {
		for _, trigger := range r.triggers {
			if strings.Contains(lower, trigger) {
				return r.category
			}
		}
	}
	return CategoryGeneral
}

// ClassifyItems classifies the concatenated text of user-authored message
// items from one turn's new input.
func ClassifyItems(items []item.Item) Category {
	var b strings.Builder
	for _, it := range items {
		if it.Kind != item.KindMessage || !strings.EqualFold(it.Role, "user") {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(it.Text)
	}
	return Classify(b.String())
}
