package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foresight/exchange-core/internal/api"
	"github.com/foresight/exchange-core/internal/coordstore"
	"github.com/foresight/exchange-core/internal/engine"
	"github.com/foresight/exchange-core/internal/store"
)

const (
	testMarket = "8453:42"
	makerA     = "0x1111111111111111111111111111111111111111"
	makerB     = "0x2222222222222222222222222222222222222222"
)

var testSig = "0x" + strings.Repeat("ab", 65)

func newServer(t *testing.T) (*httptest.Server, *engine.Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	eng := engine.New(engine.Config{}, st, nil, nil)
	svc := api.NewService(eng, st, nil, nil, nil)
	idem := api.NewIdempotency(coordstore.NewMemoryStore(), time.Hour)
	srv := httptest.NewServer(svc.Router(idem, nil))
	t.Cleanup(srv.Close)
	return srv, eng, st
}

func orderBody(t *testing.T, maker string, isBuy bool, price, amount string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"market_key":    testMarket,
		"maker":         maker,
		"outcome_index": 0,
		"is_buy":        isBuy,
		"price":         price,
		"amount":        amount,
		"salt":          fmt.Sprintf("%d", time.Now().UnixNano()),
		"signature":     testSig,
		"time_in_force": "GTC",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func postOrder(t *testing.T, srv *httptest.Server, body []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, decoded
}

func TestSubmitOrder_AcceptedAndMatched(t *testing.T) {
	srv, _, st := newServer(t)

	resp, body := postOrder(t, srv, orderBody(t, makerA, true, "0.60", "10"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["accepted"] != true {
		t.Fatalf("submission rejected: %v", body)
	}

	resp, body = postOrder(t, srv, orderBody(t, makerB, false, "0.55", "10"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	trades, _ := body["trades"].([]any)
	if len(trades) != 1 {
		t.Fatalf("trades = %v", body["trades"])
	}
	if st.TradeCount() != 1 {
		t.Errorf("persisted trades = %d", st.TradeCount())
	}
}

func TestSubmitOrder_ValidationError(t *testing.T) {
	srv, _, _ := newServer(t)

	raw := orderBody(t, "not-an-address", true, "0.60", "10")
	resp, body := postOrder(t, srv, raw, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["reason"] != api.CodeValidation {
		t.Errorf("reason = %v", body["reason"])
	}
}

func TestSubmitOrder_NoLeader(t *testing.T) {
	srv, eng, _ := newServer(t)
	eng.Suspend()

	resp, body := postOrder(t, srv, orderBody(t, makerA, true, "0.60", "10"), nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if body["code"] != api.CodeNoLeader {
		t.Errorf("code = %v, want %s", body["code"], api.CodeNoLeader)
	}
}

func TestSubmitOrder_IdempotencyReplay(t *testing.T) {
	srv, _, st := newServer(t)

	headers := map[string]string{api.IdempotencyHeader: "key-123"}
	raw := orderBody(t, makerA, true, "0.60", "10")

	resp1, body1 := postOrder(t, srv, raw, headers)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp1.StatusCode)
	}

	resp2, body2 := postOrder(t, srv, raw, headers)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp2.StatusCode)
	}
	if resp2.Header.Get("X-Idempotency-Replay") != "true" {
		t.Error("replay not marked")
	}
	if body1["order_id"] != body2["order_id"] {
		t.Errorf("replay produced a different order: %v vs %v", body1["order_id"], body2["order_id"])
	}

	// The duplicate must not have been reprocessed into a second order.
	orders, err := st.GetOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("open orders = %d, want 1", len(orders))
	}
}

func TestCancelOrder(t *testing.T) {
	srv, _, _ := newServer(t)

	_, body := postOrder(t, srv, orderBody(t, makerA, true, "0.60", "10"), nil)
	orderID, _ := body["order_id"].(string)
	if orderID == "" {
		t.Fatalf("no order id in %v", body)
	}

	cancelBody, _ := json.Marshal(map[string]any{
		"market_key":    testMarket,
		"outcome_index": 0,
		"maker":         makerA,
	})
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/orders/"+orderID, bytes.NewReader(cancelBody))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	// Second cancel: gone.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/orders/"+orderID, bytes.NewReader(cancelBody))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestGetDepth(t *testing.T) {
	srv, _, _ := newServer(t)

	postOrder(t, srv, orderBody(t, makerA, true, "0.60", "10"), nil)
	postOrder(t, srv, orderBody(t, makerB, false, "0.70", "5"), nil)

	resp, err := http.Get(srv.URL + "/api/v1/markets/" + testMarket + "/outcomes/0/depth")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var depth struct {
		Bids []struct{ Price string } `json:"bids"`
		Asks []struct{ Price string } `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&depth); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(depth.Bids) != 1 || len(depth.Asks) != 1 {
		t.Errorf("depth = %+v", depth)
	}
}

func TestGetTrades(t *testing.T) {
	srv, _, _ := newServer(t)

	postOrder(t, srv, orderBody(t, makerA, true, "0.60", "10"), nil)
	postOrder(t, srv, orderBody(t, makerB, false, "0.55", "10"), nil)

	resp, err := http.Get(srv.URL + "/api/v1/markets/" + testMarket + "/trades")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var trades []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0]["price"] != "0.6" && trades[0]["price"] != "0.60" {
		t.Errorf("trade price = %v", trades[0]["price"])
	}
}

func TestClusterStatus(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/cluster/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := status["store_breaker"]; !ok {
		t.Errorf("status missing breaker snapshot: %v", status)
	}
}
