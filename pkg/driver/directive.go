package driver

import (
	"encoding/json"
	"strings"

	"github.com/convo-dev/convo/pkg/llms"
)

// Inline tool-call directive delimiters. Some model backends emit tool
// calls as structured markers inside the text stream rather than as
// first-class tool-call chunks; the scanner lifts those out so directive
// text never reaches the caller.
const (
	directiveOpen  = "<tool_call>"
	directiveClose = "</tool_call>"
)

type inlineDirective struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// directiveScanner is a small state machine over the chunk stream. Text
// outside directives passes through; directive bodies are buffered across
// chunk boundaries and parsed once the closing marker arrives.
type directiveScanner struct {
	pending string
	inside  bool
}

// Feed consumes one text chunk and returns the visible text plus any
// completed tool calls.
func (s *directiveScanner) Feed(text string) (string, []llms.ToolCall) {
	data := s.pending + text
	s.pending = ""

	var visible strings.Builder
	var calls []llms.ToolCall

	for data != "" {
		if s.inside {
			idx := strings.Index(data, directiveClose)
			if idx == -1 {
				s.pending = data
				break
			}
			body := data[:idx]
			data = data[idx+len(directiveClose):]
			s.inside = false

			if call, ok := parseDirective(body); ok {
				calls = append(calls, call)
			} else {
				// Not a well-formed directive; surface it as text rather
				// than dropping output.
				visible.WriteString(directiveOpen + body + directiveClose)
			}
			continue
		}

		idx := strings.Index(data, directiveOpen)
		if idx != -1 {
			visible.WriteString(data[:idx])
			data = data[idx+len(directiveOpen):]
			s.inside = true
			continue
		}

		// Hold back a trailing partial marker so a directive split across
		// chunks is still recognized.
		if n := partialTagSuffix(data, directiveOpen); n > 0 {
			visible.WriteString(data[:len(data)-n])
			s.pending = data[len(data)-n:]
		} else {
			visible.WriteString(data)
		}
		break
	}

	return visible.String(), calls
}

// Flush returns whatever buffered text remains once the stream ends. An
// unterminated directive is returned verbatim.
func (s *directiveScanner) Flush() string {
	out := s.pending
	if s.inside {
		out = directiveOpen + out
		s.inside = false
	}
	s.pending = ""
	return out
}

func parseDirective(body string) (llms.ToolCall, bool) {
	var directive inlineDirective
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &directive); err != nil {
		return llms.ToolCall{}, false
	}
	if directive.Name == "" {
		return llms.ToolCall{}, false
	}
	return llms.ToolCall{Name: directive.Name, Arguments: directive.Arguments}, true
}

// partialTagSuffix reports the length of the longest suffix of data that
// is a proper prefix of tag.
func partialTagSuffix(data, tag string) int {
	max := len(tag) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(data, tag[:n]) {
			return n
		}
	}
	return 0
}
