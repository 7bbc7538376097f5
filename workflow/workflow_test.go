package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/liamcoop/ruleassist/conflict"
	"github.com/liamcoop/ruleassist/events"
	"github.com/liamcoop/ruleassist/knowledge"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/liamcoop/ruleassist/llm/llmtest"
	"github.com/liamcoop/ruleassist/rules"
)

func happyFake() *llmtest.Fake {
	return llmtest.New().
		Reply(string(StageParseRule), parseReply).
		Reply(string(StageConflictAnalysis), "[]").
		Reply(string(StageImpactAnalysis), impactLow).
		Reply("generate_files", generatedFiles)
}

func TestRunCreatesRule(t *testing.T) {
	fake := happyFake()
	store := rules.NewInMemoryRuleStore()
	pub := &recordingPublisher{}
	o := New(fake, store, WithPublisher(pub))

	s, err := o.Run(context.Background(), Request{
		UserInput: "Create a rule for 10% discount on orders over $100",
		Industry:  "retail",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Error != nil {
		t.Fatalf("Unexpected stage error: %v", s.Error)
	}

	r := s.ParsedRule
	if r == nil {
		t.Fatal("Expected a parsed rule")
	}
	if len(r.Actions) != 1 || r.Actions[0].Type != "discount" || r.Actions[0].Value != 10.0 {
		t.Errorf("Expected a discount action of 10, got %+v", r.Actions)
	}
	if len(r.Conditions) != 1 || !strings.Contains(r.Conditions[0].Field, "order") || r.Conditions[0].Value != 100.0 {
		t.Errorf("Expected an order-value threshold of 100, got %+v", r.Conditions)
	}
	if len(s.Conflicts) != 0 {
		t.Errorf("Expected no conflicts, got %+v", s.Conflicts)
	}
	if s.Decision != DecisionProceed {
		t.Errorf("Expected proceed, got %s", s.Decision)
	}
	if s.Artifacts == nil || s.Artifacts.RuleText == "" || s.Artifacts.TableText == "" {
		t.Fatalf("Expected both artifacts, got %+v", s.Artifacts)
	}
	if !strings.Contains(s.Artifacts.RuleText, `rule "Big order discount"`) {
		t.Errorf("Expected placeholders to be substituted, got:\n%s", s.Artifacts.RuleText)
	}
	if s.Verification == nil || !s.Verification.Passed {
		t.Errorf("Expected verification to pass, got %+v", s.Verification)
	}
	if s.FinalResponse == "" || !strings.Contains(s.FinalResponse, "Big order discount") {
		t.Errorf("Unexpected final response: %q", s.FinalResponse)
	}

	want := []Stage{StageLoadConfig, StageParseRule, StageConflictAnalysis, StageImpactAnalysis,
		StageDecision, StageGenerateFiles, StageVerifyFiles, StageRespond}
	if len(s.Visited) != len(want) {
		t.Fatalf("Expected stages %v, got %v", want, s.Visited)
	}
	for i := range want {
		if s.Visited[i] != want[i] {
			t.Errorf("Stage %d: expected %s, got %s", i, want[i], s.Visited[i])
		}
	}

	stored, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Expected rule to be stored: %v", err)
	}
	if stored.Artifacts == nil || stored.Artifacts.RuleText != s.Artifacts.RuleText {
		t.Error("Expected stored rule to carry its artifacts")
	}

	if fake.CallCount(string(StageConflictAnalysis)) != 0 {
		t.Error("Expected no conflict review against an empty store")
	}
	if !strings.Contains(fake.Calls()[0].Prompt, "retail") {
		t.Error("Expected the retail profile in the parse prompt")
	}

	got := pub.published()
	if len(got) != 1 {
		t.Fatalf("Expected one event, got %d", len(got))
	}
	ev, ok := got[0].(events.RuleAccepted)
	if !ok || ev.RuleID != r.ID || !ev.Verified || ev.Industry != "retail" {
		t.Errorf("Unexpected event: %+v", got[0])
	}
}

func TestRunConflictScenario(t *testing.T) {
	store := rules.NewInMemoryRuleStore()
	seed(store, storedRule("adult-only", "Adult service", "customer_age", rules.OpGreaterEqual, 18.0,
		rules.Action{Type: "allow", Target: "alcohol"}))

	fake := llmtest.New().
		Reply(string(StageParseRule), studentReply).
		Reply(string(StageConflictAnalysis), "[]").
		Reply(string(StageImpactAnalysis), impactLow).
		Reply("generate_files", generatedFiles)
	o := New(fake, store)

	s, err := o.Run(context.Background(), Request{UserInput: "Students under 21 get 10% off tuition", Industry: "generic"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(s.Conflicts) == 0 {
		t.Fatal("Expected at least one conflict")
	}
	c := s.Conflicts[0]
	if c.ExistingRuleID != "adult-only" || c.NewRuleID != s.ParsedRule.ID || c.NewRuleID == "" {
		t.Errorf("Expected conflict to reference both rules, got %+v", c)
	}
	if s.Decision == DecisionProceed {
		t.Error("Expected decision not to be proceed without a user override")
	}
	if visited(s, StageGenerateFiles) || fake.CallCount("generate_files") != 0 {
		t.Error("Expected generation to be skipped")
	}
	if !strings.Contains(s.FinalResponse, "Adult service") {
		t.Errorf("Expected the conflicting rule in the response, got %q", s.FinalResponse)
	}

	all, _ := store.ListRules(context.Background())
	if len(all) != 1 {
		t.Errorf("Expected no writes, got %d rules", len(all))
	}

	s, err = o.Run(context.Background(), Request{
		UserInput: "Students under 21 get 10% off tuition",
		Industry:  "generic",
		Decision:  "yes",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Decision != DecisionProceed || !s.Stored {
		t.Errorf("Expected user override to proceed for medium conflicts, got %s (stored %v)", s.Decision, s.Stored)
	}
}

func TestHighSeverityGating(t *testing.T) {
	contradicting := storedRule("ten-off", "Fifteen off", "order_total", rules.OpGreater, 50.0,
		rules.Action{Type: "discount", Target: "order", Value: 15.0})
	unrelated := storedRule("loyalty", "Loyalty points", "member_tier", rules.OpEqual, "gold",
		rules.Action{Type: "award_points", Target: "member", Value: 2.0})

	tests := []struct {
		name     string
		existing *rules.Rule
		review   string
	}{
		{"deterministic contradiction", contradicting, "[]"},
		{"model review", unrelated, `[{"existing_rule_id": "loyalty", "type": "business", "severity": "high",
			"description": "Discounted orders would still earn double points.", "resolution": "Exclude discounted orders."}]`},
	}
	for _, tt := range tests {
		for _, decision := range []string{"", "proceed"} {
			t.Run(tt.name+"/"+decision, func(t *testing.T) {
				store := rules.NewInMemoryRuleStore()
				seed(store, tt.existing.Clone())
				fake := llmtest.New().
					Reply(string(StageParseRule), parseReply).
					Reply(string(StageConflictAnalysis), tt.review).
					Reply(string(StageImpactAnalysis), impactLow).
					Reply("generate_files", generatedFiles)

				s, err := New(fake, store).Run(context.Background(), Request{
					UserInput: "10% off orders over $100",
					Decision:  decision,
				})
				if err != nil {
					t.Fatalf("Run failed: %v", err)
				}
				if !conflict.HasHigh(s.Conflicts) {
					t.Fatalf("Expected a high-severity conflict, got %+v", s.Conflicts)
				}
				if s.Decision == DecisionProceed {
					t.Error("Expected high severity to override proceed")
				}
				if visited(s, StageGenerateFiles) || fake.CallCount("generate_files") != 0 {
					t.Error("Expected generate_files never to run")
				}
				if s.Visited[len(s.Visited)-1] != StageRespond {
					t.Errorf("Expected to end at respond, got %v", s.Visited)
				}
				if !strings.Contains(s.FinalResponse, "cancel") {
					t.Errorf("Expected the user to be offered modify or cancel, got %q", s.FinalResponse)
				}
			})
		}
	}
}

func TestInputValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{}},
		{"whitespace", Request{UserInput: "   "}},
		{"newlines", Request{UserInput: "\n\t "}},
		{"unknown decision", Request{UserInput: "10% off", Decision: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := llmtest.New()
			s, err := New(fake, rules.NewInMemoryRuleStore()).Run(context.Background(), tt.req)

			var serr *StageError
			if !errors.As(err, &serr) || serr.Kind != KindInputValidation {
				t.Fatalf("Expected InputValidationError, got %v", err)
			}
			if s == nil || s.Error == nil || s.Error.Kind != KindInputValidation {
				t.Fatal("Expected the error on the state")
			}
			if s.FinalResponse == "" {
				t.Error("Expected a final response")
			}
			if fake.CallCount("") != 0 {
				t.Errorf("Expected no model calls, got %d", fake.CallCount(""))
			}
			if visited(s, StageParseRule) {
				t.Error("Expected no stage before validation to run")
			}
		})
	}
}

func TestStageFailuresAlwaysRespond(t *testing.T) {
	panicky := func(purpose string, inner llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
			if opts.Purpose == purpose {
				panic("unexpected nil")
			}
			return inner.Complete(ctx, prompt, opts)
		})
	}
	seeded := func() rules.RuleStore {
		s := rules.NewInMemoryRuleStore()
		seed(s, storedRule("other", "Other", "region", rules.OpEqual, "north", rules.Action{Type: "notify", Target: "staff"}))
		return s
	}

	tests := []struct {
		name      string
		client    llm.Client
		store     rules.RuleStore
		wantStage Stage
		wantKind  ErrorKind
		reason    Reason
	}{
		{
			name:      "parse call fails",
			client:    llmtest.New().Fail(string(StageParseRule), errBoom),
			store:     rules.NewInMemoryRuleStore(),
			wantStage: StageParseRule, wantKind: KindParse, reason: ReasonLLMUnavailable,
		},
		{
			name:      "parse output unrecoverable",
			client:    llmtest.New().Reply(string(StageParseRule), "I'm not sure what you mean."),
			store:     rules.NewInMemoryRuleStore(),
			wantStage: StageParseRule, wantKind: KindParse, reason: ReasonUnrecoverableJSON,
		},
		{
			name:      "parse output empty",
			client:    llmtest.New().Reply(string(StageParseRule), "  "),
			store:     rules.NewInMemoryRuleStore(),
			wantStage: StageParseRule, wantKind: KindParse, reason: ReasonEmptyQuery,
		},
		{
			name:      "parse output malformed",
			client:    llmtest.New().Reply(string(StageParseRule), `{"name": "x", "logic": {"conditions": [], "actions": [{"type": "notify"}]}}`),
			store:     rules.NewInMemoryRuleStore(),
			wantStage: StageParseRule, wantKind: KindParse, reason: ReasonMalformedLLMOutput,
		},
		{
			name: "parse output carries unreadable condition",
			client: llmtest.New().Reply(string(StageParseRule),
				`{"name": "x", "logic": {"conditions": ["MODEL_SAID maybe if sunny"], "actions": [{"type": "notify", "target": "staff"}]}}`),
			store:     rules.NewInMemoryRuleStore(),
			wantStage: StageParseRule, wantKind: KindParse, reason: ReasonMalformedLLMOutput,
		},
		{
			name:      "rule store unavailable",
			client:    happyFake(),
			store:     failingStore{RuleStore: rules.NewInMemoryRuleStore(), listErr: errBoom},
			wantStage: StageConflictAnalysis, wantKind: KindConflictAnalysis,
		},
		{
			name:      "conflict review panics",
			client:    panicky(string(StageConflictAnalysis), happyFake()),
			store:     seeded(),
			wantStage: StageConflictAnalysis, wantKind: KindConflictAnalysis,
		},
		{
			name:      "impact panics",
			client:    panicky(string(StageImpactAnalysis), happyFake()),
			store:     rules.NewInMemoryRuleStore(),
			wantStage: StageImpactAnalysis, wantKind: KindImpactAnalysis,
		},
		{
			name: "generation fails",
			client: llmtest.New().
				Reply(string(StageParseRule), parseReply).
				Reply(string(StageImpactAnalysis), impactLow).
				Fail("generate_files", errBoom),
			store:     rules.NewInMemoryRuleStore(),
			wantStage: StageGenerateFiles, wantKind: KindGeneration,
		},
		{
			name:      "save fails",
			client:    happyFake(),
			store:     failingStore{RuleStore: rules.NewInMemoryRuleStore(), upsertErr: errBoom},
			wantStage: StageGenerateFiles, wantKind: KindGeneration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.store).Run(context.Background(), Request{UserInput: "10% off orders over $100"})
			if err != nil {
				t.Fatalf("Expected stage failures not to be returned, got %v", err)
			}
			if s.Error == nil {
				t.Fatal("Expected a stage error")
			}
			if s.Error.Stage != tt.wantStage || s.Error.Kind != tt.wantKind {
				t.Errorf("Expected %s/%s, got %s/%s", tt.wantStage, tt.wantKind, s.Error.Stage, s.Error.Kind)
			}
			if tt.reason != "" && s.Error.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, s.Error.Reason)
			}
			if s.FinalResponse == "" {
				t.Fatal("Expected a final response")
			}
			if s.Visited[len(s.Visited)-1] != StageHandleError {
				t.Errorf("Expected to end at handle_error, got %v", s.Visited)
			}
			if strings.Contains(s.FinalResponse, "boom") || strings.Contains(s.FinalResponse, "panic") ||
				strings.Contains(s.FinalResponse, "MODEL_SAID") {
				t.Errorf("Expected internal detail to stay hidden, got %q", s.FinalResponse)
			}
			if !strings.Contains(s.FinalResponse, string(tt.wantStage)) {
				t.Errorf("Expected the failing stage to be named, got %q", s.FinalResponse)
			}
			if tt.wantKind == KindParse && !strings.Contains(s.FinalResponse, "rephrase") {
				t.Errorf("Expected rephrase guidance, got %q", s.FinalResponse)
			}
		})
	}
}

func TestImpactFallsBack(t *testing.T) {
	for _, reply := range []string{"not json at all", `{"level": "catastrophic", "recommendation": "x"}`, `{"level": "low"}`} {
		fake := llmtest.New().
			Reply(string(StageParseRule), parseReply).
			Reply(string(StageImpactAnalysis), reply).
			Reply("generate_files", generatedFiles)

		s, err := New(fake, rules.NewInMemoryRuleStore()).Run(context.Background(), Request{UserInput: "10% off orders over $100"})
		if err != nil || s.Error != nil {
			t.Fatalf("Expected success, got %v / %v", err, s.Error)
		}
		if s.Impact == nil || !s.Impact.Fallback || s.Impact.Level != "medium" {
			t.Errorf("Expected the conservative fallback for %q, got %+v", reply, s.Impact)
		}
		if !hasWarning(s, WarningDegraded) {
			t.Error("Expected a degraded-stage warning")
		}
		if s.Decision != DecisionProceed {
			t.Errorf("Expected fallback impact not to block, got %s", s.Decision)
		}
	}
}

func TestParseRetriesWithStrictSuffix(t *testing.T) {
	fake := llmtest.New().
		Reply(string(StageParseRule), "Sorry, I cannot answer in that format right now.", parseReply).
		Reply(string(StageImpactAnalysis), impactLow).
		Reply("generate_files", generatedFiles)
	o := New(fake, rules.NewInMemoryRuleStore())

	s, err := o.Run(context.Background(), Request{UserInput: "10% off orders over $100"})
	if err != nil || s.Error != nil {
		t.Fatalf("Expected success, got %v / %v", err, s.Error)
	}
	var parses []llmtest.Call
	for _, c := range fake.Calls() {
		if c.Purpose == string(StageParseRule) {
			parses = append(parses, c)
		}
	}
	if len(parses) != 2 {
		t.Fatalf("Expected 2 parse calls, got %d", len(parses))
	}
	suffix := o.loader.Load().JSONRetrySuffix()
	if strings.HasSuffix(parses[0].Prompt, suffix) || !strings.HasSuffix(parses[1].Prompt, suffix) {
		t.Error("Expected only the second parse call to carry the JSON retry suffix")
	}
}

func TestJSONRepairMatchesBareJSON(t *testing.T) {
	bare := parseReply[strings.Index(parseReply, "{") : strings.LastIndex(parseReply, "}")+1]

	run := func(reply string) *rules.Rule {
		fake := llmtest.New().
			Reply(string(StageParseRule), reply).
			Reply(string(StageImpactAnalysis), impactLow).
			Reply("generate_files", generatedFiles)
		s, _ := New(fake, rules.NewInMemoryRuleStore()).Run(context.Background(), Request{UserInput: "10% off"})
		if s.ParsedRule == nil {
			t.Fatalf("Expected a parsed rule for %q", reply)
		}
		return s.ParsedRule
	}

	a, b := run(parseReply), run(bare)
	if a.Name != b.Name || a.Summary != b.Summary || a.Priority != b.Priority {
		t.Errorf("Expected identical headers, got %+v vs %+v", a, b)
	}
	if a.Conditions[0] != b.Conditions[0] || a.Actions[0].Type != b.Actions[0].Type || a.Actions[0].Value != b.Actions[0].Value {
		t.Errorf("Expected identical logic, got %+v vs %+v", a, b)
	}
}

func TestVerificationFailureIsSoft(t *testing.T) {
	badRoot := strings.Replace(strings.Replace(generatedFiles, "<decision-table52>", "<table>", 1),
		"</decision-table52>", "</table>", 1)
	fake := llmtest.New().
		Reply(string(StageParseRule), parseReply).
		Reply(string(StageImpactAnalysis), impactLow).
		Reply("generate_files", badRoot)

	store := rules.NewInMemoryRuleStore()
	pub := &recordingPublisher{}
	s, err := New(fake, store, WithPublisher(pub)).Run(context.Background(), Request{UserInput: "10% off orders over $100"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Error != nil {
		t.Fatalf("Expected no hard error, got %v", s.Error)
	}
	if s.Artifacts == nil || s.Artifacts.TableText == "" {
		t.Fatal("Expected artifacts to survive a failed verification")
	}
	if s.Verification == nil || s.Verification.Passed {
		t.Errorf("Expected failed verification, got %+v", s.Verification)
	}
	if !hasWarning(s, WarningVerification) {
		t.Error("Expected a verification warning")
	}
	if !strings.Contains(s.FinalResponse, "Warning") {
		t.Errorf("Expected the warning in the response, got %q", s.FinalResponse)
	}
	if s.Visited[len(s.Visited)-1] != StageRespond {
		t.Errorf("Expected to end at respond, got %v", s.Visited)
	}
	if evs := pub.published(); len(evs) != 1 || evs[0].(events.RuleAccepted).Verified {
		t.Errorf("Expected an unverified acceptance event, got %+v", evs)
	}
}

func TestRepeatedRunUpsertsByID(t *testing.T) {
	store := rules.NewInMemoryRuleStore()
	reply := func(value int) string {
		return fmt.Sprintf(`{"rule_id": "promo-1", "name": "Promo", "logic": {"conditions": [{"field": "order_total", "operator": ">", "value": 100}],
			"actions": [{"type": "discount", "target": "order", "value": %d}]}}`, value)
	}

	for _, v := range []int{5, 7} {
		fake := llmtest.New().
			Reply(string(StageParseRule), reply(v)).
			Reply(string(StageConflictAnalysis), "[]").
			Reply(string(StageImpactAnalysis), impactLow).
			Reply("generate_files", generatedFiles)
		s, err := New(fake, store).Run(context.Background(), Request{UserInput: "promo"})
		if err != nil || s.Error != nil {
			t.Fatalf("Run failed: %v / %v", err, s.Error)
		}
		if len(s.Conflicts) != 0 {
			t.Errorf("Expected the prior version not to conflict, got %+v", s.Conflicts)
		}
	}

	all, _ := store.ListRules(context.Background())
	if len(all) != 1 {
		t.Fatalf("Expected exactly one stored rule, got %d", len(all))
	}
	if all[0].ID != "promo-1" || all[0].Actions[0].Value != 7.0 {
		t.Errorf("Expected the latest version, got %+v", all[0])
	}
}

func TestUserCancel(t *testing.T) {
	fake := happyFake()
	store := rules.NewInMemoryRuleStore()
	s, err := New(fake, store).Run(context.Background(), Request{UserInput: "10% off orders over $100", Decision: "cancel"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Decision != DecisionCancel || s.Stored || visited(s, StageGenerateFiles) {
		t.Errorf("Expected cancellation without writes, got %s (stored %v)", s.Decision, s.Stored)
	}
	if !strings.Contains(s.FinalResponse, "cancelled") {
		t.Errorf("Expected a cancellation acknowledgement, got %q", s.FinalResponse)
	}
}

func TestCancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		fake := happyFake()

		s, err := New(fake, rules.NewInMemoryRuleStore()).Run(ctx, Request{UserInput: "10% off"})
		if err != nil {
			t.Fatalf("Expected cancellation to be reported on the state, got %v", err)
		}
		if s.Error == nil || s.Error.Kind != KindCancelled {
			t.Fatalf("Expected Cancelled, got %+v", s.Error)
		}
		if fake.CallCount("") != 0 {
			t.Error("Expected no model calls")
		}
		if s.FinalResponse == "" {
			t.Error("Expected a final response")
		}
	})

	t.Run("during parse", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		client := llm.ClientFunc(func(ctx context.Context, _ string, _ llm.Options) (string, error) {
			cancel()
			return "", ctx.Err()
		})

		s, _ := New(client, rules.NewInMemoryRuleStore()).Run(ctx, Request{UserInput: "10% off"})
		if s.Error == nil || s.Error.Kind != KindCancelled || s.Error.Stage != StageParseRule {
			t.Fatalf("Expected Cancelled at parse_rule, got %+v", s.Error)
		}
		if visited(s, StageConflictAnalysis) {
			t.Error("Expected no stage to start after cancellation")
		}
		if !strings.Contains(s.FinalResponse, "cancelled") || !strings.Contains(s.FinalResponse, "Nothing was saved") {
			t.Errorf("Unexpected response %q", s.FinalResponse)
		}
	})

	t.Run("after the rule is saved", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := failingStore{RuleStore: rules.NewInMemoryRuleStore(), afterSave: cancel}

		s, _ := New(happyFake(), store).Run(ctx, Request{UserInput: "10% off orders over $100"})
		if s.Error == nil || s.Error.Kind != KindCancelled || s.Error.Stage != StageVerifyFiles {
			t.Fatalf("Expected Cancelled at verify_files, got %+v", s.Error)
		}
		if !s.Stored {
			t.Fatal("Expected the rule to be stored before cancellation")
		}
		if _, err := store.Get(context.Background(), s.ParsedRule.ID); err != nil {
			t.Fatalf("Expected the rule to remain saved, got %v", err)
		}
		if strings.Contains(s.FinalResponse, "Nothing was saved") {
			t.Errorf("Expected the response not to deny the save, got %q", s.FinalResponse)
		}
		if !strings.Contains(s.FinalResponse, s.ParsedRule.ID) || !strings.Contains(s.FinalResponse, "already been saved") {
			t.Errorf("Expected the saved rule to be named, got %q", s.FinalResponse)
		}
	})
}

func TestGroundingAndHistory(t *testing.T) {
	fake := happyFake()
	retriever := &fakeRetriever{matches: []knowledge.Match{{Text: "Discounts never stack with coupons.", Score: 0.9}}}
	o := New(fake, rules.NewInMemoryRuleStore(), WithRetriever(retriever))

	history := []Exchange{
		{User: "first", Assistant: "a1"},
		{User: "second", Assistant: "a2"},
		{User: "unanswered", Assistant: ""},
		{User: "third", Assistant: "a3"},
		{User: "fourth", Assistant: "a4"},
	}
	s, err := o.Run(context.Background(), Request{UserInput: "10% off orders over $100", History: history})
	if err != nil || s.Error != nil {
		t.Fatalf("Run failed: %v / %v", err, s.Error)
	}

	prompt := fake.Calls()[0].Prompt
	if !strings.Contains(prompt, "Discounts never stack with coupons.") {
		t.Error("Expected retrieved passage in the parse prompt")
	}
	for _, want := range []string{"second", "third", "fourth"} {
		if !strings.Contains(prompt, "User: "+want) {
			t.Errorf("Expected %q in condensed history", want)
		}
	}
	for _, unwanted := range []string{"User: first", "unanswered"} {
		if strings.Contains(prompt, unwanted) {
			t.Errorf("Expected %q to be dropped from history", unwanted)
		}
	}
	if len(s.Grounding) != 1 {
		t.Errorf("Expected grounding on the state, got %+v", s.Grounding)
	}

	failing := &fakeRetriever{err: errBoom}
	s, _ = New(happyFake(), rules.NewInMemoryRuleStore(), WithRetriever(failing)).
		Run(context.Background(), Request{UserInput: "10% off orders over $100"})
	if s.Error != nil || !hasWarning(s, WarningDegraded) {
		t.Errorf("Expected retrieval failure to degrade, got %v / %+v", s.Error, s.Warnings)
	}
}

func TestConversationalResponse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConversationalResponse = true

	fake := happyFake().Reply(string(StageRespond), "All set! Your discount rule is live.")
	s, _ := New(fake, rules.NewInMemoryRuleStore(), WithConfig(cfg)).Run(context.Background(), Request{UserInput: "10% off orders over $100"})
	if s.FinalResponse != "All set! Your discount rule is live." {
		t.Errorf("Expected the model's phrasing, got %q", s.FinalResponse)
	}
	if !strings.Contains(fake.Calls()[len(fake.Calls())-1].Prompt, "Big order discount") {
		t.Error("Expected the draft reply in the respond prompt")
	}

	fake = happyFake().Fail(string(StageRespond), errBoom)
	s, _ = New(fake, rules.NewInMemoryRuleStore(), WithConfig(cfg)).Run(context.Background(), Request{UserInput: "10% off orders over $100"})
	if !strings.Contains(s.FinalResponse, "Created rule") {
		t.Errorf("Expected template fallback, got %q", s.FinalResponse)
	}
}

func TestUnknownIndustryFallsBack(t *testing.T) {
	s, _ := New(happyFake(), rules.NewInMemoryRuleStore()).Run(context.Background(),
		Request{UserInput: "10% off orders over $100", Industry: "aerospace"})
	if s.Profile.Name != "generic" || !hasWarning(s, WarningIndustry) {
		t.Errorf("Expected generic profile with a warning, got %s / %+v", s.Profile.Name, s.Warnings)
	}
}
