// Package locator evaluates declarative field specifications — XPath or
// regex expressions plus an index and a post-processing pipeline — against
// HTML documents. It is the engine's only way of turning raw markup into
// typed field values.
package locator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"

	"github.com/kestrelweb/novelforge/internal/logger"
)

// LocatorType selects the matching strategy for a LocatorSpec.
type LocatorType string

const (
	TypeXPath LocatorType = "xpath"
	TypeRegex LocatorType = "regex"
)

// allIndex is the sentinel index value meaning "return every match".
const allIndex = 999

// LocatorSpec is the declarative description of how to pull one field out of
// an HTML document.
type LocatorSpec struct {
	Type       LocatorType       `json:"type" yaml:"type"`
	Expression string            `json:"expression" yaml:"expression"`
	Index      *int              `json:"index,omitempty" yaml:"index,omitempty"`
	Default    any               `json:"default,omitempty" yaml:"default,omitempty"`
	Process    []PostProcessStep `json:"process,omitempty" yaml:"process,omitempty"`
}

// ProcessTraceEntry records one post-process step's effect, used by the
// probe/trace evaluation path.
type ProcessTraceEntry struct {
	Method string `json:"method"`
	Input  any    `json:"input"`
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Evaluate runs spec against a full HTML document.
func Evaluate(htmlSrc string, spec LocatorSpec) (any, error) {
	v, _, err := evaluate(htmlSrc, nil, spec, false)
	return v, err
}

// EvaluateTrace runs spec and additionally returns a trace of each
// post-process step, for interactive debugging.
func EvaluateTrace(htmlSrc string, spec LocatorSpec) (any, []ProcessTraceEntry, error) {
	return evaluate(htmlSrc, nil, spec, true)
}

// EvaluateScoped runs spec against an already-parsed subtree, serialized
// from a previous XPath element match. Used for per-item chapter-list
// fields (title, url) which are scoped to one <li>/<a> fragment.
func EvaluateScoped(scopedHTML string, spec LocatorSpec) (any, error) {
	v, _, err := evaluate(scopedHTML, nil, spec, false)
	return v, err
}

func evaluate(htmlSrc string, _ any, spec LocatorSpec, trace bool) (any, []ProcessTraceEntry, error) {
	var matches []string
	var err error

	switch spec.Type {
	case TypeXPath:
		matches, err = evalXPath(htmlSrc, spec.Expression)
	case TypeRegex:
		matches, err = evalRegex(htmlSrc, spec.Expression)
	default:
		return nil, nil, fmt.Errorf("locator: unsupported type %q", spec.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	result := applyIndex(matches, spec.Index)
	if isEmpty(result) && spec.Default != nil {
		result = spec.Default
	}

	var traceEntries []ProcessTraceEntry
	for _, step := range spec.Process {
		before := result
		out, stepErr := step.Apply(result)
		if stepErr != nil {
			logger.Warn("locator: post-process step failed, skipped", "method", step.Method, "error", stepErr)
			if trace {
				traceEntries = append(traceEntries, ProcessTraceEntry{
					Method: step.Method, Input: before, Output: before, Error: stepErr.Error(),
				})
			}
			continue
		}
		result = out
		if trace {
			traceEntries = append(traceEntries, ProcessTraceEntry{
				Method: step.Method, Input: before, Output: result,
			})
		}
	}

	return result, traceEntries, nil
}

// applyIndex implements the null/999=all, signed-index, out-of-range=nil
// rule shared by every LocatorSpec evaluation.
func applyIndex(matches []string, index *int) any {
	if len(matches) == 0 {
		return nil
	}
	if index == nil || *index == allIndex {
		out := make([]any, len(matches))
		for i, m := range matches {
			out[i] = m
		}
		return out
	}

	i := *index
	n := len(matches)
	if i < 0 {
		i = n + i
	}
	if i < 0 || i >= n {
		return nil
	}
	return matches[i]
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	if l, ok := v.([]any); ok {
		return len(l) == 0
	}
	return false
}

func evalXPath(htmlSrc, expr string) ([]string, error) {
	doc, err := htmlquery.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return nil, fmt.Errorf("locator: parse html: %w", err)
	}

	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("locator: xpath %q: %w", expr, err)
	}

	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, renderNode(n, expr))
	}
	return out, nil
}

// renderNode returns the text content for a text()/attribute axis match, or
// the serialized outer HTML for an element axis match.
func renderNode(n *html.Node, expr string) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.AttributeNode {
		return n.Data
	}
	if isAttributeOrTextExpr(expr) {
		return htmlquery.InnerText(n)
	}
	return htmlquery.OutputHTML(n, true)
}

func isAttributeOrTextExpr(expr string) bool {
	trimmed := strings.TrimSpace(expr)
	return strings.HasSuffix(trimmed, "text()") || strings.Contains(trimmed, "/@")
}

func evalRegex(htmlSrc, expr string) ([]string, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("locator: regex %q: %w", expr, err)
	}

	all := re.FindAllStringSubmatch(htmlSrc, -1)
	if all == nil {
		return nil, nil
	}

	groups := re.NumSubexp()
	if groups > 1 {
		logger.Warn("locator: regex has more than one capture group, using group 1", "expression", expr)
	}
	out := make([]string, 0, len(all))
	for _, m := range all {
		switch {
		case groups == 0:
			out = append(out, m[0])
		case groups == 1:
			out = append(out, m[1])
		default:
			// More than one capture group: take the first, as documented.
			out = append(out, m[1])
		}
	}
	return out, nil
}

// CompileXPath validates that expr is a syntactically valid XPath
// expression without evaluating it against any document.
func CompileXPath(expr string) error {
	_, err := xpath.Compile(expr)
	return err
}
