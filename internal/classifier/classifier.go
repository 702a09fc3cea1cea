// Package classifier labels task content as read-only or write.
//
// The keyword heuristic is best effort. Its one hard rule is that content without a clear
// read-only signal is classified as write, so the write lock is never skipped by accident.
package classifier

import (
	"strings"
	"unicode"

	"github.com/sf7293/task-relay/internal/domain"
)

var defaultWriteKeywords = []string{
	"add", "append", "apply", "build", "change", "commit", "configure", "create", "delete",
	"deploy", "edit", "fix", "generate", "implement", "install", "merge", "migrate", "modify",
	"move", "patch", "push", "refactor", "remove", "rename", "replace", "reset", "restart",
	"revert", "rewrite", "run", "save", "set", "setup", "start", "stop", "update", "upgrade",
	"write",
}

var defaultReadKeywords = []string{
	"analyze", "check", "compare", "count", "describe", "display", "explain", "find", "get",
	"inspect", "list", "look", "print", "query", "read", "report", "review", "search", "show",
	"status", "summarize", "tell", "verify", "view", "what", "where", "which", "who", "why",
}

type KeywordClassifier struct {
	write map[string]struct{}
	read  map[string]struct{}
}

var _ domain.Classifier = (*KeywordClassifier)(nil)

func New() *KeywordClassifier {
	return NewWithKeywords(defaultReadKeywords, defaultWriteKeywords)
}

func NewWithKeywords(read, write []string) *KeywordClassifier {
	c := &KeywordClassifier{
		write: make(map[string]struct{}, len(write)),
		read:  make(map[string]struct{}, len(read)),
	}
	for _, w := range write {
		c.write[strings.ToLower(w)] = struct{}{}
	}
	for _, r := range read {
		c.read[strings.ToLower(r)] = struct{}{}
	}
	return c
}

// Classify returns ReadOnly only when a read keyword is present and no write keyword is.
func (c *KeywordClassifier) Classify(content string) domain.TaskType {
	hasRead := false
	for _, word := range tokenize(content) {
		if _, ok := c.write[word]; ok {
			return domain.Write
		}
		if _, ok := c.read[word]; ok {
			hasRead = true
		}
	}

	if hasRead {
		return domain.ReadOnly
	}
	return domain.Write
}

func tokenize(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
