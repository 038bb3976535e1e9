package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowtrace/flowtrace/internal/config"
	"github.com/flowtrace/flowtrace/internal/detect"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	defaults := detect.DefaultParams()
	return &config.Config{
		Port:      "0",
		Env:       "development",
		LogLevel:  "error",
		LogFormat: "text",

		RateLimitRPS: 10000,

		MaxCycleLength:          defaults.MaxCycleLength,
		MinCycleAmount:          defaults.MinCycleAmount,
		FanWindow:               defaults.FanWindow,
		FanMinCounterparties:    defaults.FanMinCounterparties,
		FanMinAmount:            defaults.FanMinAmount,
		PassThroughWindow:       defaults.PassThroughWindow,
		PassThroughTolerancePct: defaults.PassThroughTolerancePct,

		RiskThresholdsVersion: "default-v1",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v (body: %s)", err, w.Body.String())
	}
	return resp
}

// ingestRecords posts a batch and fails the test unless it is accepted.
func ingestRecords(t *testing.T, s *Server, records []map[string]interface{}) map[string]interface{} {
	t.Helper()
	w := doJSON(t, s, "POST", "/v1/transactions/batch", map[string]interface{}{
		"records": records,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Batch ingest failed: %d %s", w.Code, w.Body.String())
	}
	return decodeBody(t, w)
}

func record(id, source, destination, amount string, ts time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":          id,
		"source":      source,
		"destination": destination,
		"amount":      amount,
		"timestamp":   ts.Format(time.RFC3339Nano),
	}
}

// ---------------------------------------------------------------------------
// Health & info
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := decodeBody(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Readiness flips on inside Run; a server that was never started
	// must report not ready.
	w := doJSON(t, s, "GET", "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/api", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["name"] != "flowtrace" {
		t.Errorf("Expected name 'flowtrace', got %v", resp["name"])
	}
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

func TestIngestBatch(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	resp := ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100.50", now),
		record("tx-2", "acct-b", "acct-c", "200", now.Add(time.Minute)),
		record("tx-1", "acct-a", "acct-b", "100.50", now), // duplicate id
		record("tx-3", "", "acct-c", "50", now),           // missing source
	})

	summary, ok := resp["summary"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected summary object, got %v", resp["summary"])
	}
	if summary["total"] != float64(4) {
		t.Errorf("Expected total 4, got %v", summary["total"])
	}
	if summary["accepted"] != float64(2) {
		t.Errorf("Expected accepted 2, got %v", summary["accepted"])
	}
	if summary["duplicate"] != float64(1) {
		t.Errorf("Expected duplicate 1, got %v", summary["duplicate"])
	}
	if summary["invalid"] != float64(1) {
		t.Errorf("Expected invalid 1, got %v", summary["invalid"])
	}
	if resp["graphVersion"] == float64(0) {
		t.Error("Expected graph version to advance")
	}
	if resp["batchId"] == "" {
		t.Error("Expected a generated batch id")
	}
}

func TestIngestBatch_UnparsableAmountIsInvalidNotFatal(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	resp := ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "not-a-number", now),
		record("tx-2", "acct-a", "acct-b", "75", now),
	})

	summary := resp["summary"].(map[string]interface{})
	if summary["invalid"] != float64(1) {
		t.Errorf("Expected invalid 1, got %v", summary["invalid"])
	}
	if summary["accepted"] != float64(1) {
		t.Errorf("Expected accepted 1, got %v", summary["accepted"])
	}
}

func TestIngestBatch_MalformedJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/transactions/batch", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

func TestGetEntity(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100", now),
	})

	w := doJSON(t, s, "GET", "/v1/entities/acct-a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["id"] != "acct-a" {
		t.Errorf("Expected id 'acct-a', got %v", resp["id"])
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/entities/acct-ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestGetEntity_InvalidID(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/entities/-leading-dash", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestAnnotateEntity(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100", now),
	})

	w := doJSON(t, s, "POST", "/v1/entities/acct-a/annotate", map[string]interface{}{
		"name": "Alpha Trading Ltd",
		"tags": []string{"exchange", "verified"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["name"] != "Alpha Trading Ltd" {
		t.Errorf("Expected name to be set, got %v", resp["name"])
	}
	tags, _ := resp["tags"].([]interface{})
	if len(tags) != 2 {
		t.Errorf("Expected 2 tags, got %v", resp["tags"])
	}
}

func TestAttachEvidence(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100", now),
	})

	w := doJSON(t, s, "POST", "/v1/entities/acct-a/evidence", map[string]interface{}{
		"label": "SAR-2026-0142",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	evidence, _ := resp["evidence"].([]interface{})
	if len(evidence) != 1 {
		t.Errorf("Expected 1 evidence entry, got %v", resp["evidence"])
	}

	// Empty label is rejected
	w = doJSON(t, s, "POST", "/v1/entities/acct-a/evidence", map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty label, got %d", w.Code)
	}
}

func TestListEntities_Pagination(t *testing.T) {
	s := newTestServer(t)
	base := time.Now().UTC()

	records := make([]map[string]interface{}, 0, 5)
	for i := 0; i < 5; i++ {
		records = append(records, record(
			fmt.Sprintf("tx-%d", i),
			fmt.Sprintf("acct-%d", i),
			"acct-hub",
			"10",
			base.Add(time.Duration(i)*time.Second),
		))
	}
	ingestRecords(t, s, records)

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		path := "/v1/entities?limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := doJSON(t, s, "GET", path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}
		resp := decodeBody(t, w)
		entities, _ := resp["entities"].([]interface{})
		for _, e := range entities {
			id := e.(map[string]interface{})["id"].(string)
			if seen[id] {
				t.Errorf("Entity %s returned on more than one page", id)
			}
			seen[id] = true
		}
		pages++
		if pages > 10 {
			t.Fatal("Pagination did not terminate")
		}
		if resp["hasMore"] != true {
			break
		}
		cursor = resp["nextCursor"].(string)
		if cursor == "" {
			t.Fatal("hasMore set but no cursor returned")
		}
	}

	// 5 sources + the shared hub
	if len(seen) != 6 {
		t.Errorf("Expected 6 entities across pages, got %d", len(seen))
	}
}

func TestListEntities_BadCursor(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/entities?cursor=%25%25garbage", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Edges
// ---------------------------------------------------------------------------

func TestEdgeLookup(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100", now),
		record("tx-2", "acct-a", "acct-b", "50", now.Add(time.Minute)),
	})

	w := doJSON(t, s, "GET", "/v1/edges/acct-a/acct-b", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["totalAmount"] != "150" {
		t.Errorf("Expected aggregated amount 150, got %v", resp["totalAmount"])
	}
	if resp["count"] != float64(2) {
		t.Errorf("Expected count 2, got %v", resp["count"])
	}

	// Direction matters
	w = doJSON(t, s, "GET", "/v1/edges/acct-b/acct-a", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for reverse direction, got %d", w.Code)
	}
}

func TestListEntityEdges(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100", now),
		record("tx-2", "acct-c", "acct-a", "25", now),
	})

	w := doJSON(t, s, "GET", "/v1/entities/acct-a/edges", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	edges, _ := resp["edges"].([]interface{})
	if len(edges) != 2 {
		t.Errorf("Expected 2 edges touching acct-a, got %d", len(edges))
	}
}

// ---------------------------------------------------------------------------
// Detection flow
// ---------------------------------------------------------------------------

// seedCycle ingests a three-hop cycle whose legs all carry the same amount.
func seedCycle(t *testing.T, s *Server, amount string) {
	t.Helper()
	now := time.Now().UTC()
	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", amount, now),
		record("tx-2", "acct-b", "acct-c", amount, now.Add(time.Minute)),
		record("tx-3", "acct-c", "acct-a", amount, now.Add(2*time.Minute)),
	})
}

func TestDetectionFlow(t *testing.T) {
	s := newTestServer(t)
	seedCycle(t, s, "2500")

	w := doJSON(t, s, "POST", "/v1/detections", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["runId"] == "" {
		t.Error("Expected a run id")
	}

	// Latest publication is the run we just created
	w = doJSON(t, s, "GET", "/v1/detections/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	latest := decodeBody(t, w)
	if latest["runId"] != resp["runId"] {
		t.Errorf("Latest run %v does not match published run %v", latest["runId"], resp["runId"])
	}

	// The cycle is found
	w = doJSON(t, s, "GET", "/v1/findings?kind=cycle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	findings, _ := decodeBody(t, w)["findings"].([]interface{})
	if len(findings) != 1 {
		t.Fatalf("Expected 1 cycle finding, got %d", len(findings))
	}
	finding := findings[0].(map[string]interface{})
	if finding["key"] != "cycle:acct-a>acct-b>acct-c" {
		t.Errorf("Unexpected canonical key %v", finding["key"])
	}

	// Every participant carries a risk level under the default thresholds
	w = doJSON(t, s, "GET", "/v1/entities/acct-b/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	risk := decodeBody(t, w)
	if risk["level"] != "low" {
		t.Errorf("Expected level 'low' for magnitude 2500, got %v", risk["level"])
	}
}

func TestDetection_FilterByEntity(t *testing.T) {
	s := newTestServer(t)
	seedCycle(t, s, "2500")

	if w := doJSON(t, s, "POST", "/v1/detections", nil); w.Code != http.StatusCreated {
		t.Fatalf("Detection failed: %d %s", w.Code, w.Body.String())
	}

	w := doJSON(t, s, "GET", "/v1/findings?entity=acct-a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	findings, _ := decodeBody(t, w)["findings"].([]interface{})
	if len(findings) == 0 {
		t.Fatal("Expected findings involving acct-a")
	}
	for _, f := range findings {
		entities := f.(map[string]interface{})["entities"].([]interface{})
		found := false
		for _, e := range entities {
			if e == "acct-a" {
				found = true
			}
		}
		if !found {
			t.Errorf("Finding %v does not involve acct-a", f.(map[string]interface{})["key"])
		}
	}
}

func TestDetection_NoRunsYet(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/v1/detections/latest",
		"/v1/findings",
		"/v1/entities/acct-a/risk",
	} {
		w := doJSON(t, s, "GET", path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected 404 before any run, got %d", path, w.Code)
		}
	}
}

func TestDetection_ParameterOverrides(t *testing.T) {
	s := newTestServer(t)
	seedCycle(t, s, "2500")

	// A minimum cycle amount above the flow suppresses the finding
	w := doJSON(t, s, "POST", "/v1/detections", map[string]interface{}{
		"minCycleAmount": "5000",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/findings?kind=cycle", nil)
	findings, _ := decodeBody(t, w)["findings"].([]interface{})
	if len(findings) != 0 {
		t.Errorf("Expected no cycle findings above the raised floor, got %d", len(findings))
	}
}

func TestDetection_InvalidOverrides(t *testing.T) {
	s := newTestServer(t)

	cases := []map[string]interface{}{
		{"maxCycleLength": -1},
		{"minCycleAmount": "not-a-number"},
		{"fanWindow": "not-a-duration"},
		{"passThroughTolerancePct": -5.0},
	}
	for _, body := range cases {
		w := doJSON(t, s, "POST", "/v1/detections", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Override %v: expected 400, got %d", body, w.Code)
		}
	}

	// A rejected run publishes nothing
	w := doJSON(t, s, "GET", "/v1/detections/latest", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after rejected runs, got %d", w.Code)
	}
}

func TestDetection_EmptyGraph(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/detections", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 on empty graph, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	findings, _ := resp["findings"].([]interface{})
	if len(findings) != 0 {
		t.Errorf("Expected no findings on an empty graph, got %d", len(findings))
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestGraphStats(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100", now),
		record("tx-2", "acct-b", "acct-c", "50", now),
	})

	w := doJSON(t, s, "GET", "/v1/graph/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["entities"] != float64(3) {
		t.Errorf("Expected 3 entities, got %v", resp["entities"])
	}
	if resp["edges"] != float64(2) {
		t.Errorf("Expected 2 edges, got %v", resp["edges"])
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff header, got %q", got)
	}
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Error("Expected a request id header")
	}
}

func TestRisk_NoFindingsIsLevelNone(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	// A single small transfer: below every detection threshold.
	ingestRecords(t, s, []map[string]interface{}{
		record("tx-1", "acct-a", "acct-b", "100", now),
	})

	if w := doJSON(t, s, "POST", "/v1/detections", nil); w.Code != http.StatusCreated {
		t.Fatalf("Detection failed: %d %s", w.Code, w.Body.String())
	}

	w := doJSON(t, s, "GET", "/v1/entities/acct-a/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for known entity with no findings, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["level"] != "none" {
		t.Errorf("Expected level 'none', got %v", resp["level"])
	}
	if resp["entityId"] != "acct-a" {
		t.Errorf("Expected entityId 'acct-a', got %v", resp["entityId"])
	}

	// Unknown ids stay 404 even once a publication exists.
	w = doJSON(t, s, "GET", "/v1/entities/acct-ghost/risk", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown entity, got %d", w.Code)
	}
	if decodeBody(t, w)["error"] != "entity_not_found" {
		t.Errorf("Expected entity_not_found error code")
	}
}
