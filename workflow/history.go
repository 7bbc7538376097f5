package workflow

import "strings"

const maxTurnRunes = 500

// condenseHistory renders the last n complete exchanges, oldest first.
// Exchanges missing either side are skipped.
func condenseHistory(history []Exchange, n int) string {
	if n <= 0 {
		return ""
	}
	var picked []Exchange
	for i := len(history) - 1; i >= 0 && len(picked) < n; i-- {
		h := history[i]
		if strings.TrimSpace(h.User) == "" || strings.TrimSpace(h.Assistant) == "" {
			continue
		}
		picked = append(picked, h)
	}

	var b strings.Builder
	for i := len(picked) - 1; i >= 0; i-- {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("User: " + truncate(picked[i].User, maxTurnRunes) + "\n")
		b.WriteString("Assistant: " + truncate(picked[i].Assistant, maxTurnRunes))
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
