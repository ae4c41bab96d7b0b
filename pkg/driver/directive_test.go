package driver

import (
	"testing"
)

func TestDirectiveScannerPassthrough(t *testing.T) {
	scanner := &directiveScanner{}

	visible, calls := scanner.Feed("plain text with no markers")
	if visible != "plain text with no markers" {
		t.Errorf("Unexpected visible text: %q", visible)
	}
	if len(calls) != 0 {
		t.Errorf("Expected no calls, got %v", calls)
	}
	if rest := scanner.Flush(); rest != "" {
		t.Errorf("Expected empty flush, got %q", rest)
	}
}

func TestDirectiveScannerSingleChunk(t *testing.T) {
	scanner := &directiveScanner{}

	visible, calls := scanner.Feed(`before <tool_call>{"name":"get_weather","arguments":{"city":"Paris"}}</tool_call> after`)
	if visible != "before  after" {
		t.Errorf("Unexpected visible text: %q", visible)
	}
	if len(calls) != 1 {
		t.Fatalf("Expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("Unexpected call: %+v", calls[0])
	}
	if city, _ := calls[0].Arguments["city"].(string); city != "Paris" {
		t.Errorf("Unexpected arguments: %v", calls[0].Arguments)
	}
}

func TestDirectiveScannerSplitAcrossChunks(t *testing.T) {
	scanner := &directiveScanner{}

	var visible string
	var total int
	for _, chunk := range []string{
		"checking <tool_",
		`call>{"name":"get_we`,
		`ather","arguments":{"city":"Paris"}}</tool_`,
		"call> done",
	} {
		v, calls := scanner.Feed(chunk)
		visible += v
		total += len(calls)
	}
	visible += scanner.Flush()

	if visible != "checking  done" {
		t.Errorf("Unexpected visible text: %q", visible)
	}
	if total != 1 {
		t.Errorf("Expected 1 call, got %d", total)
	}
}

func TestDirectiveScannerMalformedBodySurfacesAsText(t *testing.T) {
	scanner := &directiveScanner{}

	visible, calls := scanner.Feed("<tool_call>not json</tool_call>")
	if len(calls) != 0 {
		t.Errorf("Expected no calls, got %v", calls)
	}
	if visible != "<tool_call>not json</tool_call>" {
		t.Errorf("Malformed directive should pass through, got %q", visible)
	}
}

func TestDirectiveScannerUnterminatedFlush(t *testing.T) {
	scanner := &directiveScanner{}

	visible, _ := scanner.Feed(`<tool_call>{"name":"get_weather"`)
	if visible != "" {
		t.Errorf("Expected no visible text yet, got %q", visible)
	}
	if rest := scanner.Flush(); rest != `<tool_call>{"name":"get_weather"` {
		t.Errorf("Unexpected flush: %q", rest)
	}
}

func TestDirectiveScannerPartialTagIsJustText(t *testing.T) {
	scanner := &directiveScanner{}

	visible, _ := scanner.Feed("a < b and <tool")
	if visible != "a < b and " {
		t.Errorf("Unexpected visible text: %q", visible)
	}
	if rest := scanner.Flush(); rest != "<tool" {
		t.Errorf("Expected held-back partial tag on flush, got %q", rest)
	}
}
