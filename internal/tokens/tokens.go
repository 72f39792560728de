// Package tokens provides token counters used to fit output into a budget.
package tokens

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Counter counts the tokens a text would occupy in a model's context.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(text string) int

// Count implements Counter.
func (f CounterFunc) Count(text string) int { return f(text) }

// DefaultCharsPerToken is the usual ratio of characters to tokens for code.
const DefaultCharsPerToken = 4.0

// Heuristic estimates tokens as characters divided by CharsPerToken, rounded
// up. It never returns 0 for non-empty text.
type Heuristic struct {
	CharsPerToken float64
}

// Count implements Counter.
func (h Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	ratio := h.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	n := int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
	if n < 1 {
		n = 1
	}
	return n
}

// Words counts whitespace-separated fields. It is a coarse lower bound
// mostly useful in tests.
var Words = CounterFunc(func(text string) int { return len(strings.Fields(text)) })

// modelRatios holds characters-per-token ratios for known model families,
// matched by prefix.
var modelRatios = []struct {
	prefix string
	ratio  float64
}{
	{"claude", 3.5},
	{"gpt-4o", 4.0},
	{"gpt-4", 4.0},
	{"gpt-3.5", 4.0},
	{"o1", 4.0},
	{"gemini", 4.0},
	{"llama", 3.8},
}

// ForModel returns the tiktoken counter for a model name. If its encoding
// cannot be loaded the character heuristic for the model family is used.
func ForModel(model string) Counter {
	if b, err := NewBPE(model); err == nil {
		return b
	}
	return HeuristicFor(model)
}

// HeuristicFor returns the character heuristic for a model family. Unknown
// or empty names get DefaultCharsPerToken.
func HeuristicFor(model string) Heuristic {
	lower := strings.ToLower(model)
	for _, m := range modelRatios {
		if strings.HasPrefix(lower, m.prefix) {
			return Heuristic{CharsPerToken: m.ratio}
		}
	}
	return Heuristic{CharsPerToken: DefaultCharsPerToken}
}
