package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// StripCodeFences returns the body of the first fenced block in s, or s
// trimmed when there is no complete fence. A lone opening fence is dropped.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			return strings.TrimSpace(s[nl+1:])
		}
		return ""
	}
	return s
}

// ExtractJSON recovers a JSON object or array from model output. It strips
// surrounding prose and code fences, drops "..." placeholders and trailing
// commas, and closes a truncated payload.
func ExtractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyResponse
	}
	if (s[0] == '{' || s[0] == '[') && json.Valid([]byte(s)) {
		return s, nil
	}

	body := s
	for _, m := range fencePattern.FindAllStringSubmatch(s, -1) {
		if strings.ContainsAny(m[1], "{[") {
			body = m[1]
			break
		}
	}

	if !strings.ContainsAny(body, "{[") {
		return "", fmt.Errorf("%w: no object or array found", ErrUnrecoverableJSON)
	}

	// Prose may carry its own brackets, so each top-level span is tried in
	// turn. A truncated span runs to the end of the body and is the last.
	for rest := body; ; {
		start := strings.IndexAny(rest, "{[")
		if start < 0 {
			break
		}
		raw, stack, inString := scanSpan(rest[start:])
		span := raw
		if len(stack) > 0 || inString {
			span = closeTruncated(span, stack, inString)
		}
		span = sanitize(span)
		if json.Valid([]byte(span)) {
			return span, nil
		}
		rest = rest[start+len(raw):]
	}
	return "", fmt.Errorf("%w: repaired payload still invalid", ErrUnrecoverableJSON)
}

// DecodeJSON extracts a JSON payload from s and unmarshals it into v.
func DecodeJSON(s string, v any) error {
	payload, err := ExtractJSON(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnrecoverableJSON, err)
	}
	return nil
}

// scanSpan returns the prefix of s holding one balanced value. When s ends
// first, the open brackets and the in-string state are returned.
func scanSpan(s string) (string, []byte, bool) {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
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
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return s[:i+1], nil, false
			}
		}
	}
	return s, stack, inString
}

func closeTruncated(span string, stack []byte, inString bool) string {
	var b strings.Builder
	if inString {
		span = strings.TrimSuffix(span, `\`)
		b.WriteString(span)
		b.WriteByte('"')
	} else {
		b.WriteString(trimPartialLiteral(strings.TrimRight(span, " \t\r\n")))
	}

	out := b.String()
	trimmed := strings.TrimRight(out, " \t\r\n")
	switch {
	case strings.HasSuffix(trimmed, ":"):
		out = trimmed + " null"
	case len(stack) > 0 && stack[len(stack)-1] == '{' && endsWithDanglingKey(trimmed):
		out = trimmed + ": null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out += "}"
		} else {
			out += "]"
		}
	}
	return out
}

// trimPartialLiteral drops a number or keyword cut off mid-token, such as
// "10." or "tru", so the member is closed like any other missing value.
func trimPartialLiteral(s string) string {
	i := strings.LastIndexAny(s, ",:[]{}\" \t\r\n")
	tok := s[i+1:]
	if tok == "" || i >= 0 && s[i] == '"' || json.Valid([]byte(tok)) {
		return s
	}
	return strings.TrimRight(s[:i+1], " \t\r\n")
}

// endsWithDanglingKey reports whether s ends in a string literal that opens an object member.
func endsWithDanglingKey(s string) bool {
	if !strings.HasSuffix(s, `"`) || len(s) < 2 {
		return false
	}
	i := len(s) - 2
	for ; i >= 0; i-- {
		if s[i] == '"' && (i == 0 || s[i-1] != '\\') {
			break
		}
	}
	if i <= 0 {
		return false
	}
	before := strings.TrimRight(s[:i], " \t\r\n")
	return strings.HasSuffix(before, "{") || strings.HasSuffix(before, ",")
}

// sanitize drops "..." placeholders and stray commas outside string literals.
func sanitize(s string) string {
	var out []byte
	inString, escaped := false, false
	lastSignificant := func() byte {
		for j := len(out) - 1; j >= 0; j-- {
			switch out[j] {
			case ' ', '\t', '\r', '\n':
				continue
			}
			return out[j]
		}
		return 0
	}
	nextSignificant := func(i int) byte {
		for j := i; j < len(s); j++ {
			switch {
			case s[j] == ' ', s[j] == '\t', s[j] == '\r', s[j] == '\n':
				continue
			case strings.HasPrefix(s[j:], "..."):
				j += 2
				continue
			}
			return s[j]
		}
		return 0
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out = append(out, c)
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
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '.' && strings.HasPrefix(s[i:], "..."):
			i += 2
			for i+1 < len(s) && s[i+1] == '.' {
				i++
			}
		case c == ',':
			prev := lastSignificant()
			next := nextSignificant(i + 1)
			if prev == '[' || prev == '{' || prev == ',' || prev == 0 || next == ']' || next == '}' || next == ',' {
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
