package eastmoney

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func otcPayload(items []map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"ErrCode": 0,
		"ErrMsg":  nil,
		"Data": map[string]interface{}{
			"LSJZList": items,
		},
	}
}

func TestFetchHistory_OTCParsesAndReverses(t *testing.T) {
	// The API returns newest-first; the client must flip to ascending.
	mockResp := otcPayload([]map[string]string{
		{"FSRQ": "2025-07-03", "DWJZ": "1.0350", "JZZZL": "0.48"},
		{"FSRQ": "2025-07-02", "DWJZ": "1.0301", "JZZZL": "--"},
		{"FSRQ": "2025-07-01", "DWJZ": "--", "JZZZL": ""},
		{"FSRQ": "2025-06-30", "DWJZ": "1.0255", "JZZZL": "-0.12"},
	})

	var capturedQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mockResp)
	}))
	defer srv.Close()

	client := NewClient(WithOTCHistoryURL(srv.URL))
	bars, err := client.FetchHistory(context.Background(), "7721", 30, "")
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}

	// The unparseable 2025-07-01 row is dropped.
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}
	if bars[0].Date != "2025-06-30" || bars[2].Date != "2025-07-03" {
		t.Errorf("expected ascending order, got %s..%s", bars[0].Date, bars[2].Date)
	}
	if bars[2].Close != 1.0350 {
		t.Errorf("expected close 1.0350, got %.4f", bars[2].Close)
	}
	if bars[1].ChangeRate != nil {
		t.Errorf("expected nil change rate for '--', got %v", *bars[1].ChangeRate)
	}
	if bars[0].ChangeRate == nil || *bars[0].ChangeRate != -0.12 {
		t.Errorf("expected change rate -0.12, got %v", bars[0].ChangeRate)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://x/?"+capturedQuery, nil)
	if got := req.URL.Query().Get("fundCode"); got != "007721" {
		t.Errorf("expected normalized fundCode 007721, got %s", got)
	}
}

func TestFetchHistory_ExchangeKlines(t *testing.T) {
	mockResp := map[string]interface{}{
		"rc": 0,
		"data": map[string]interface{}{
			"klines": []string{
				"2025-07-01,4.10,4.12,4.15,4.08,123456,500000,1.2,0.49,0.02,0.8",
				"2025-07-02,4.12,4.15,4.18,4.11,234567,600000,1.1,0.73,0.03,0.9",
				"bad-line",
			},
		},
	}

	var capturedQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != klinePath {
			http.NotFound(w, r)
			return
		}
		capturedQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mockResp)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	bars, err := client.FetchHistory(context.Background(), "510300", 30, "qfq")
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}

	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Date != "2025-07-01" || bars[0].Close != 4.12 {
		t.Errorf("unexpected first bar: %+v", bars[0])
	}
	if bars[1].Volume != 234567 {
		t.Errorf("expected volume 234567, got %d", bars[1].Volume)
	}
	if bars[1].ChangeRate == nil || *bars[1].ChangeRate != 0.73 {
		t.Errorf("expected change rate 0.73, got %v", bars[1].ChangeRate)
	}

	if got := capturedQuery["secid"]; len(got) != 1 || got[0] != "1.510300" {
		t.Errorf("expected secid 1.510300, got %v", got)
	}
	if got := capturedQuery["fqt"]; len(got) != 1 || got[0] != "1" {
		t.Errorf("expected fqt 1, got %v", got)
	}
	if got := capturedQuery["klt"]; len(got) != 1 || got[0] != "101" {
		t.Errorf("expected klt 101, got %v", got)
	}
}

func TestFetchHistory_OTCFallsBackToKlines(t *testing.T) {
	klines := map[string]interface{}{
		"rc": 0,
		"data": map[string]interface{}{
			"klines": []string{
				"2025-07-01,1.00,1.01,1.02,0.99,1000,2000,1.0,0.5,0.01,0.5",
			},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == klinePath {
			json.NewEncoder(w).Encode(klines)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ErrCode": 1, "ErrMsg": "unavailable",
		})
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithOTCHistoryURL(srv.URL+"/f10/lsjz"))
	bars, err := client.FetchHistory(context.Background(), "007721", 30, "")
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}
	if len(bars) != 1 || bars[0].Date != "2025-07-01" {
		t.Fatalf("expected kline fallback bar, got %+v", bars)
	}
}

func TestIsOTCFund(t *testing.T) {
	cases := map[string]bool{
		"007721": true,
		"270042": true,
		"161725": false,
		"510300": false,
		"7721":   false, // not canonical width
	}
	for code, want := range cases {
		if got := isOTCFund(code); got != want {
			t.Errorf("isOTCFund(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestMarketCode(t *testing.T) {
	if got := marketCode("510300"); got != "1" {
		t.Errorf("expected Shanghai (1) for 510300, got %s", got)
	}
	if got := marketCode("161725"); got != "0" {
		t.Errorf("expected Shenzhen (0) for 161725, got %s", got)
	}
}
