package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/liamcoop/ruleassist/events"
	"github.com/liamcoop/ruleassist/knowledge"
	"github.com/liamcoop/ruleassist/rules"
)

const parseReply = `Here's the rule: {"name": "Big order discount", "summary": "10% off orders over $100",
 "category": "pricing", "priority": "medium",
 "logic": {"conditions": [{"field": "order_total", "operator": ">", "value": 100}],
           "actions": [{"type": "discount", "target": "order", "value": 10}]}} Hope that helps!`

const studentReply = `{"name": "Student discount", "category": "eligibility",
 "logic": {"conditions": [{"field": "customer_age", "operator": "<", "value": 21}],
           "actions": [{"type": "discount", "target": "tuition", "value": 10}]}}`

const impactLow = `{"level": "low", "operational": "None.", "financial": "Slightly lower margin.",
 "risk": "Low.", "affected_areas": ["pricing"], "recommendation": "Adopt the rule."}`

const generatedFiles = `package ${package};

rule "${rule_name}"
    salience ${salience}
when
    $o : Order( total > 100 )
then
    $o.applyDiscount( 10 );
end
---GDST---
<?xml version="1.0" encoding="UTF-8"?>
<decision-table52>
  <tableName>${rule_name}</tableName>
</decision-table52>`

func storedRule(id, name, field string, op rules.Operator, value any, action rules.Action) *rules.Rule {
	return &rules.Rule{
		ID:         id,
		Name:       name,
		Category:   "pricing",
		Conditions: []rules.Condition{{Field: field, Operator: op, Value: value}},
		Actions:    []rules.Action{action},
		Priority:   rules.PriorityMedium,
		Active:     true,
	}
}

func seed(store rules.RuleStore, rs ...*rules.Rule) {
	for _, r := range rs {
		if err := store.Upsert(context.Background(), r); err != nil {
			panic(err)
		}
	}
}

type failingStore struct {
	rules.RuleStore
	listErr   error
	upsertErr error
	afterSave func()
}

func (f failingStore) ListRules(ctx context.Context) ([]*rules.Rule, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.RuleStore.ListRules(ctx)
}

func (f failingStore) Upsert(ctx context.Context, r *rules.Rule) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if err := f.RuleStore.Upsert(ctx, r); err != nil {
		return err
	}
	if f.afterSave != nil {
		f.afterSave()
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type fakeRetriever struct {
	matches []knowledge.Match
	err     error
	queries []string
}

func (f *fakeRetriever) Search(_ context.Context, query string, _ int) ([]knowledge.Match, error) {
	f.queries = append(f.queries, query)
	return f.matches, f.err
}

var errBoom = errors.New("boom")

func hasWarning(s *State, kind string) bool {
	for _, w := range s.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

func visited(s *State, stage Stage) bool {
	for _, v := range s.Visited {
		if v == stage {
			return true
		}
	}
	return false
}
