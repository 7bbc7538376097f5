package conflict

import (
	"context"
	"fmt"
	"strings"

	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
)

// StageName is the prompt catalogue entry used for the review.
const StageName = "conflict_analysis"

type reviewItem struct {
	ExistingRuleID string `json:"existing_rule_id"`
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Resolution     string `json:"resolution"`
}

// Reviewer asks the model for business and operational conflicts that the
// deterministic checks cannot see.
type Reviewer struct {
	client llm.Client
}

func NewReviewer(client llm.Client) *Reviewer {
	return &Reviewer{client: client}
}

// Review returns model-reported conflicts against existing. Entries naming an
// unknown rule, or the candidate itself, are dropped.
func (r *Reviewer) Review(ctx context.Context, snap *prompts.Snapshot, industry prompts.Industry,
	candidate *rules.Rule, existing []*rules.Rule) ([]Conflict, error) {
	known := make(map[string]*rules.Rule, len(existing))
	var compared []*rules.Rule
	for _, ex := range existing {
		if ex == nil || !ex.Active || ex.ID == candidate.ID {
			continue
		}
		known[ex.ID] = ex
		compared = append(compared, ex)
	}
	if len(compared) == 0 {
		return nil, nil
	}

	prompt, err := snap.Render(StageName, prompts.Data{
		Industry: industry,
		Rule:     Summarize(candidate),
		Existing: SummarizeAll(compared),
	})
	if err != nil {
		return nil, err
	}

	raw, err := r.client.Complete(ctx, prompt, snap.Options(StageName))
	if err != nil {
		return nil, fmt.Errorf("conflict review call failed: %w", err)
	}
	logger.Trace("conflict review output", "raw", raw)

	var items []reviewItem
	if err := llm.DecodeJSON(raw, &items); err != nil {
		var wrapper struct {
			Conflicts []reviewItem `json:"conflicts"`
		}
		if werr := llm.DecodeJSON(raw, &wrapper); werr != nil {
			return nil, fmt.Errorf("conflict review output: %w", err)
		}
		items = wrapper.Conflicts
	}

	var out []Conflict
	for _, it := range items {
		ex, ok := known[strings.TrimSpace(it.ExistingRuleID)]
		if !ok {
			logger.Debug("dropping conflict for unknown rule", "existing_rule_id", it.ExistingRuleID)
			continue
		}
		if strings.TrimSpace(it.Description) == "" {
			continue
		}
		out = append(out, Conflict{
			NewRuleID:        candidate.ID,
			ExistingRuleID:   ex.ID,
			ExistingRuleName: ex.Name,
			Type:             ParseType(it.Type),
			Severity:         ParseSeverity(it.Severity),
			Description:      strings.TrimSpace(it.Description),
			Resolution:       strings.TrimSpace(it.Resolution),
			Source:           SourceLLM,
		})
	}
	return out, nil
}

type RuleSummary struct {
	ID         string            `json:"rule_id,omitempty"`
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Priority   rules.Priority    `json:"priority,omitempty"`
	Conditions []rules.Condition `json:"conditions"`
	Actions    []rules.Action    `json:"actions"`
}

// Summarize drops artifacts and timestamps so prompts stay small.
func Summarize(r *rules.Rule) RuleSummary {
	return RuleSummary{
		ID:         r.ID,
		Name:       r.Name,
		Category:   r.Category,
		Priority:   r.Priority,
		Conditions: r.Conditions,
		Actions:    r.Actions,
	}
}

func SummarizeAll(rs []*rules.Rule) []RuleSummary {
	out := make([]RuleSummary, len(rs))
	for i, r := range rs {
		out[i] = Summarize(r)
	}
	return out
}
