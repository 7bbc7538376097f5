package artifact

import (
	"encoding/xml"
	"strings"
)

// Result is the outcome of Verify. Issues lists every failed check.
type Result struct {
	Passed  bool     `json:"passed"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// Verify runs structural checks on both artifacts. It does not execute them.
func Verify(set *Set) Result {
	if set == nil {
		return Result{Message: "no artifacts to verify", Issues: []string{"no artifacts"}}
	}

	var issues []string
	drl := strings.TrimSpace(set.RuleText)
	if drl == "" {
		issues = append(issues, "rule file is empty")
	} else {
		issues = append(issues, verifyRule(drl)...)
	}

	gdst := strings.TrimSpace(set.TableText)
	if gdst == "" {
		issues = append(issues, "decision table is empty")
	} else {
		issues = append(issues, verifyTable(gdst)...)
	}

	if len(issues) == 0 {
		return Result{Passed: true, Message: "rule file and decision table passed structural checks"}
	}
	return Result{
		Message: "structural checks failed: " + strings.Join(issues, "; "),
		Issues:  issues,
	}
}

func verifyRule(drl string) []string {
	var issues []string
	if !ruleDecl.MatchString(drl) {
		issues = append(issues, `rule file has no rule "name" declaration`)
	}
	for _, kw := range []string{"when", "then", "end"} {
		if !hasKeyword(drl, kw) {
			issues = append(issues, "rule file is missing the "+kw+" keyword")
		}
	}
	if !balanced(drl) {
		issues = append(issues, "rule file has unbalanced brackets")
	}
	if body, ok := thenSection(drl); ok && !strings.Contains(body, ";") {
		issues = append(issues, "then section has no terminated statement")
	}
	return issues
}

func verifyTable(gdst string) []string {
	if err := wellFormed(gdst); err != nil {
		return []string{"decision table is not well-formed XML: " + err.Error()}
	}
	root := rootElement(gdst)
	if !strings.HasPrefix(root, "decision-table") {
		return []string{"decision table root element is " + root + ", expected decision-table52"}
	}
	return nil
}

// balanced checks (), [] and {} outside string literals and comments.
func balanced(s string) bool {
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []byte
	inString, escaped := false, false
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
		case '/':
			if i+1 < len(s) && s[i+1] == '/' {
				for i < len(s) && s[i] != '\n' {
					i++
				}
			}
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0 && !inString
}

// thenSection returns the text between the first then and the following end.
func thenSection(drl string) (string, bool) {
	loc := keywords["then"].FindStringIndex(drl)
	if loc == nil {
		return "", false
	}
	rest := drl[loc[1]:]
	if end := keywords["end"].FindStringIndex(rest); end != nil {
		rest = rest[:end[0]]
	}
	return rest, true
}

func rootElement(s string) string {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}
