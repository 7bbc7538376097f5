package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/liamcoop/ruleassist/internal/bootstrap"
	"github.com/liamcoop/ruleassist/internal/config"
	"github.com/liamcoop/ruleassist/llm/llmtest"
)

const parseReply = `{"name": "Big order discount", "summary": "10% off orders over $100",
 "category": "pricing", "priority": "medium",
 "logic": {"conditions": [{"field": "order_total", "operator": ">", "value": 100}],
           "actions": [{"type": "discount", "target": "order", "value": 10}]}}`

const impactReply = `{"level": "low", "operational": "None.", "financial": "Slightly lower margin.",
 "risk": "Low.", "affected_areas": ["pricing"], "recommendation": "Adopt the rule."}`

const filesReply = `package ${package};

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

func scriptedFake() *llmtest.Fake {
	return llmtest.New().
		Reply("parse_rule", parseReply).
		Reply("impact_analysis", impactReply).
		Reply("generate_files", filesReply)
}

// newTestServer builds an in-memory server. cfgFn may adjust the loaded config.
func newTestServer(t *testing.T, fake *llmtest.Fake, cfgFn func(*config.Config)) *httptest.Server {
	t.Helper()
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.LLM.MaxRetries = 0
	if cfgFn != nil {
		cfgFn(cfg)
	}

	app, err := bootstrap.New(context.Background(), cfg,
		bootstrap.WithClient(fake),
		bootstrap.WithEmbedder(llmtest.HashEmbedder{}),
	)
	if err != nil {
		t.Fatalf("Failed to build services: %v", err)
	}
	t.Cleanup(func() { app.Close() })

	ts := httptest.NewServer(NewServer(app))
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("Failed to decode response %q: %v", raw, err)
		}
	}
	return resp, out
}

func TestRunWorkflowCreatesRule(t *testing.T) {
	ts := newTestServer(t, scriptedFake(), nil)
	base := ts.URL + "/api/v1"

	resp, run := doJSON(t, "POST", base+"/workflow/runs", map[string]any{
		"user_input": "Give 10% off orders over $100",
		"industry":   "retail",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", resp.StatusCode, run)
	}
	if run["stored"] != true || run["decision"] != "proceed" {
		t.Fatalf("Expected a stored rule with decision proceed, got %v", run)
	}
	if _, ok := run["generated_artifacts"].(map[string]any); !ok {
		t.Errorf("Expected generated_artifacts, got %v", run["generated_artifacts"])
	}
	if !strings.Contains(run["final_response"].(string), "Big order discount") {
		t.Errorf("Expected the rule name in the response, got %q", run["final_response"])
	}
	ruleID := run["parsed_rule"].(map[string]any)["rule_id"].(string)

	resp, list := doJSON(t, "GET", base+"/rules", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 listing rules, got %d", resp.StatusCode)
	}
	if rs, _ := list["rules"].([]any); len(rs) != 1 {
		t.Fatalf("Expected 1 rule, got %v", list)
	}

	resp, _ = doJSON(t, "GET", base+"/rules/"+ruleID+"/artifacts/drl", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for drl artifact, got %d", resp.StatusCode)
	}

	tests := []struct {
		total float64
		want  bool
	}{
		{150, true},
		{50, false},
	}
	for _, tt := range tests {
		resp, eval := doJSON(t, "POST", base+"/rules/"+ruleID+"/evaluate", map[string]any{
			"facts": map[string]any{"order_total": tt.total},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200 evaluating, got %d: %v", resp.StatusCode, eval)
		}
		if eval["matched"] != tt.want {
			t.Errorf("order_total=%v: expected matched=%v, got %v", tt.total, tt.want, eval["matched"])
		}
	}

	resp, _ = doJSON(t, "DELETE", base+"/rules/"+ruleID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204 deleting, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, "GET", base+"/rules/"+ruleID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestGetArtifactBody(t *testing.T) {
	ts := newTestServer(t, scriptedFake(), nil)
	base := ts.URL + "/api/v1"

	_, run := doJSON(t, "POST", base+"/workflow/runs", map[string]any{"user_input": "Give 10% off orders over $100"})
	ruleID := run["parsed_rule"].(map[string]any)["rule_id"].(string)

	resp, err := http.Get(base + "/rules/" + ruleID + "/artifacts/gdst")
	if err != nil {
		t.Fatalf("Failed to fetch artifact: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/xml") {
		t.Errorf("Expected XML content type, got %s", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "<tableName>Big order discount</tableName>") {
		t.Errorf("Expected substituted table name, got %s", body)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "big_order_discount.gdst") {
		t.Errorf("Unexpected Content-Disposition %q", resp.Header.Get("Content-Disposition"))
	}
}

func TestRunWorkflowValidation(t *testing.T) {
	fake := scriptedFake()
	ts := newTestServer(t, fake, nil)
	base := ts.URL + "/api/v1"

	resp, body := doJSON(t, "POST", base+"/workflow/runs", map[string]any{"user_input": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for empty input, got %d", resp.StatusCode)
	}
	if msg, _ := body["final_response"].(string); msg == "" {
		t.Error("Expected a final response even for invalid input")
	}
	if e, _ := body["error"].(map[string]any); e["kind"] != "InputValidationError" {
		t.Errorf("Expected InputValidationError, got %v", body["error"])
	}

	resp, _ = doJSON(t, "POST", base+"/workflow/runs", map[string]any{"user_input": "x", "decision": "maybe"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown decision, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("POST", base+"/workflow/runs", strings.NewReader("{not json"))
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", raw.StatusCode)
	}

	if n := fake.CallCount(""); n != 0 {
		t.Errorf("Expected no model calls for invalid requests, got %d", n)
	}
}

func TestRunWorkflowModelFailureIsReported(t *testing.T) {
	fake := llmtest.New().Reply("parse_rule", "I cannot help with that.")
	ts := newTestServer(t, fake, nil)

	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/workflow/runs", map[string]any{"user_input": "Something vague"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for a handled stage failure, got %d", resp.StatusCode)
	}
	e, _ := body["error"].(map[string]any)
	if e["kind"] != "ParseError" || e["stage"] != "parse_rule" {
		t.Errorf("Expected a ParseError at parse_rule, got %v", body["error"])
	}
	if body["stored"] != false {
		t.Error("Expected nothing stored")
	}
}

func TestRuleEndpointsErrors(t *testing.T) {
	ts := newTestServer(t, scriptedFake(), nil)
	base := ts.URL + "/api/v1"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"get missing", "GET", "/rules/missing", nil, http.StatusNotFound},
		{"delete missing", "DELETE", "/rules/missing", nil, http.StatusNotFound},
		{"evaluate missing", "POST", "/rules/missing/evaluate", map[string]any{"facts": map[string]any{"a": 1}}, http.StatusNotFound},
		{"evaluate without facts", "POST", "/rules/missing/evaluate", map[string]any{}, http.StatusBadRequest},
		{"bad artifact kind", "GET", "/rules/missing/artifacts/pdf", nil, http.StatusBadRequest},
		{"artifact of missing rule", "GET", "/rules/missing/artifacts/drl", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, tt.method, base+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestIngestDocument(t *testing.T) {
	ts := newTestServer(t, scriptedFake(), func(c *config.Config) {
		c.Knowledge.ChunkSize = 60
		c.Knowledge.ChunkOverlap = 10
	})
	base := ts.URL + "/api/v1"

	resp, body := doJSON(t, "POST", base+"/knowledge/documents", map[string]any{
		"source": "policy.md",
		"text":   strings.Repeat("Loyalty discounts never stack with seasonal promotions. ", 4),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", resp.StatusCode, body)
	}
	if n, _ := body["chunks"].(float64); n < 2 {
		t.Errorf("Expected several chunks, got %v", body["chunks"])
	}

	resp, _ = doJSON(t, "POST", base+"/knowledge/documents", map[string]any{"source": "empty.md"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without text, got %d", resp.StatusCode)
	}
}

func TestDescribeEndpoints(t *testing.T) {
	ts := newTestServer(t, scriptedFake(), nil)
	base := ts.URL + "/api/v1"

	resp, health := doJSON(t, "GET", base+"/health", nil)
	if resp.StatusCode != http.StatusOK || health["status"] != "healthy" || health["storage"] != "memory" {
		t.Errorf("Unexpected health response %d %v", resp.StatusCode, health)
	}

	_, stages := doJSON(t, "GET", base+"/workflow/stages", nil)
	if list, _ := stages["stages"].([]any); len(list) != 9 {
		t.Errorf("Expected 9 stages, got %v", stages["stages"])
	}

	_, industries := doJSON(t, "GET", base+"/industries", nil)
	found := false
	for _, name := range industries["industries"].([]any) {
		if name == "retail" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected retail among industries, got %v", industries["industries"])
	}

	doJSON(t, "GET", base+"/rules/missing", nil)
	_, metrics := doJSON(t, "GET", base+"/metrics", nil)
	if n, _ := metrics["http_4xx_total"].(float64); n < 1 {
		t.Errorf("Expected the 4xx counter to be incremented, got %v", metrics["http_4xx_total"])
	}
}
