package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseStage names the step of ParseStructured that failed.
type ParseStage string

const (
	StageExtract ParseStage = "extract"
	StageStrict  ParseStage = "strict"
	StageRepair  ParseStage = "repair"
)

// ParseError reports which stage of structured parsing failed.
type ParseError struct {
	Stage   ParseStage
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("structured parse failed at %s stage near %q", e.Stage, e.Snippet)
	}
	return fmt.Sprintf("structured parse failed at %s stage: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

const structuredInstruction = "Return structured data only: a single JSON value, no prose, no markdown fences, no comments."

// GenerateStructured asks for JSON and decodes it into T.
func GenerateStructured[T any](ctx context.Context, p Provider, req Request) (T, error) {
	var zero T
	if req.SystemInstruction == "" {
		req.SystemInstruction = structuredInstruction
	} else {
		req.SystemInstruction = req.SystemInstruction + "\n\n" + structuredInstruction
	}

	resp, err := p.Generate(ctx, req)
	if err != nil {
		return zero, err
	}
	return ParseStructured[T](resp.Content)
}

// ParseStructured decodes the outermost JSON object or array found in text.
// Stages: strip fences, extract the bracketed region, strict decode, then one
// repair pass that drops trailing commas.
func ParseStructured[T any](text string) (T, error) {
	var out T

	body := stripFences(text)
	region := extractRegion(body)
	if region == "" {
		return out, &ParseError{Stage: StageExtract, Snippet: snippet(body)}
	}

	strictErr := json.Unmarshal([]byte(region), &out)
	if strictErr == nil {
		return out, nil
	}

	repaired := removeTrailingCommas(region)
	if repaired == region {
		return out, &ParseError{Stage: StageStrict, Snippet: snippet(region), Err: strictErr}
	}

	var fixed T
	if err := json.Unmarshal([]byte(repaired), &fixed); err != nil {
		return out, &ParseError{Stage: StageRepair, Snippet: snippet(repaired), Err: err}
	}
	return fixed, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	idx := strings.Index(s, "```")
	if idx < 0 {
		return s
	}
	inner := s[idx+3:]
	// Skip language tag on the same line (e.g., ```json)
	if nl := strings.Index(inner, "\n"); nl >= 0 {
		inner = inner[nl+1:]
	}
	if end := strings.Index(inner, "```"); end >= 0 {
		inner = inner[:end]
	}
	return strings.TrimSpace(inner)
}

// extractRegion finds the outermost balanced {...} or [...] block in s,
// whichever opens first.
func extractRegion(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}

	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return ""
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// removeTrailingCommas drops commas that directly precede a closing bracket.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.ContainsRune(" \t\r\n", rune(s[j])) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func snippet(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
