// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/internal/api"
	"github.com/snowmoney/backtester/internal/data"
	"github.com/snowmoney/backtester/pkg/types"
)

func setupTestServer(t *testing.T) (*data.Store, *httptest.Server) {
	logger := zap.NewNop()

	store, err := data.NewStore(logger, filepath.Join(t.TempDir(), "prices.db"))
	if err != nil {
		t.Fatalf("Failed to create price store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	config := types.DefaultServerConfig()
	server := api.NewServer(logger, config, store)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return store, ts
}

// seedRisingSeries stores days of steadily rising closes for one code.
func seedRisingSeries(t *testing.T, store *data.Store, code, category string, days int) {
	t.Helper()
	ctx := context.Background()

	var bars []types.PriceBar
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		price := decimal.NewFromInt(100).Add(decimal.NewFromInt(int64(i)))
		bars = append(bars, types.PriceBar{
			Date:   start.AddDate(0, 0, i),
			Code:   code,
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: decimal.NewFromInt(1000),
		})
	}
	if err := store.SaveBars(ctx, bars); err != nil {
		t.Fatalf("Failed to seed bars: %v", err)
	}
	if err := store.SaveInstrument(ctx, code, "Test Instrument "+code, category); err != nil {
		t.Fatalf("Failed to seed instrument: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
}

func TestInstrumentsEndpoint(t *testing.T) {
	store, ts := setupTestServer(t)
	seedRisingSeries(t, store, "7203", "TOPIX Mid400", 5)

	resp, err := http.Get(ts.URL + "/api/v1/data/instruments")
	if err != nil {
		t.Fatalf("Instruments request failed: %v", err)
	}
	defer resp.Body.Close()

	var result struct {
		Instruments []data.Instrument `json:"instruments"`
		Count       int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result.Count != 1 || result.Instruments[0].Code != "7203" {
		t.Errorf("Expected single instrument 7203, got %+v", result)
	}
}

func TestBacktestRunLifecycle(t *testing.T) {
	store, ts := setupTestServer(t)
	seedRisingSeries(t, store, "7203", "TOPIX Mid400", 20)

	request := map[string]interface{}{
		"id":             "test-http-backtest",
		"maShortWindow":  3,
		"maLongWindow":   5,
		"initialCapital": "1000000",
	}
	body, _ := json.Marshal(request)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Backtest run request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var started map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if started["id"] != "test-http-backtest" {
		t.Fatalf("Expected run id echoed, got %v", started["id"])
	}

	status := waitForRun(t, ts, "/api/v1/backtest/test-http-backtest")
	if status != "completed" {
		t.Fatalf("Expected run to complete, got status %q", status)
	}

	// Completed runs expose their equity curve.
	eqResp, err := http.Get(ts.URL + "/api/v1/backtest/test-http-backtest/equity")
	if err != nil {
		t.Fatalf("Equity request failed: %v", err)
	}
	defer eqResp.Body.Close()

	var equity struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(eqResp.Body).Decode(&equity); err != nil {
		t.Fatalf("Failed to decode equity response: %v", err)
	}
	if equity.Count == 0 {
		t.Error("Expected a non-empty equity curve")
	}

	trResp, err := http.Get(ts.URL + "/api/v1/backtest/test-http-backtest/trades")
	if err != nil {
		t.Fatalf("Trades request failed: %v", err)
	}
	trResp.Body.Close()
	if trResp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 for trades, got %d", trResp.StatusCode)
	}
}

func TestRunNotFound(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/backtest/no-such-run")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestWalkForwardRun(t *testing.T) {
	store, ts := setupTestServer(t)
	seedRisingSeries(t, store, "7203", "TOPIX Mid400", 40)

	request := map[string]interface{}{
		"backtest": map[string]interface{}{
			"maShortWindow": 3,
			"maLongWindow":  5,
		},
		"walkforward": map[string]interface{}{
			"nSplits": 2,
			"workers": 2,
		},
	}
	body, _ := json.Marshal(request)

	resp, err := http.Post(ts.URL+"/api/v1/walkforward/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Walk-forward run request failed: %v", err)
	}
	defer resp.Body.Close()

	var started map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	id, _ := started["id"].(string)
	if id == "" {
		t.Fatal("Expected a generated run id")
	}

	status := waitForRun(t, ts, "/api/v1/walkforward/"+id)
	if status != "completed" {
		t.Fatalf("Expected walk-forward run to complete, got status %q", status)
	}
}

func TestScanEndpoint(t *testing.T) {
	store, ts := setupTestServer(t)
	// Long enough for the default 25/75 windows to be defined.
	seedRisingSeries(t, store, "7203", "TOPIX Mid400", 80)

	resp, err := http.Get(ts.URL + "/api/v1/scan")
	if err != nil {
		t.Fatalf("Scan request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var report types.ScanReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode scan report: %v", err)
	}
	if report.Date.IsZero() {
		t.Error("Expected the scan report to carry the latest panel date")
	}
}

// waitForRun polls a run endpoint until it leaves the running state.
func waitForRun(t *testing.T, ts *httptest.Server, path string) string {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("Status request failed: %v", err)
		}

		var result struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("Failed to decode status response: %v", err)
		}

		if result.Status != "running" {
			if result.Error != "" {
				t.Logf("Run finished with error: %s", result.Error)
			}
			return result.Status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Run at %s did not finish in time", path)
	return ""
}
