package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/stablekit/cdp-engine/internal/engine"
	"github.com/stablekit/cdp-engine/internal/ledger"
	"github.com/stablekit/cdp-engine/internal/model"
	"github.com/stablekit/cdp-engine/internal/oracle"
	"github.com/stablekit/cdp-engine/internal/risk"
	"github.com/stablekit/cdp-engine/internal/store"
	"github.com/stablekit/cdp-engine/internal/token"
)

// newTestAPI creates a Service over in-memory collaborators and a chi
// router with the full route table.
func newTestAPI(t *testing.T) (*env, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	feed := oracle.NewFeed(e18(2000))
	adapter := oracle.NewAdapter(feed)
	params := model.DefaultParams()
	weth := token.NewBank("WETH")
	susd := token.NewBank("SUSD")

	eng := engine.New(params, ledger.New(ms), risk.NewCalculator(params, adapter), adapter, weth, susd, nil)
	svc := engine.NewService(eng, feed, ms, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/positions", svc.ListPositions)
		r.Route("/positions/{account}", func(r chi.Router) {
			r.Get("/", svc.GetPosition)
			r.Get("/history", svc.GetHistory)
			r.Post("/deposit", svc.Deposit)
			r.Post("/mint", svc.Mint)
			r.Post("/deposit-and-mint", svc.DepositAndMint)
			r.Post("/redeem", svc.Redeem)
			r.Post("/burn", svc.Burn)
			r.Post("/redeem-and-burn", svc.RedeemAndBurn)
		})
		r.Post("/liquidations", svc.Liquidate)
		r.Get("/params", svc.GetParams)
		r.Get("/oracle/price", svc.GetPrice)
		r.Put("/oracle/price", svc.SetPrice)
	})

	return &env{eng: eng, ms: ms, feed: feed, weth: weth, susd: susd}, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDepositEndpoint(t *testing.T) {
	env, router := newTestAPI(t)
	env.fund(t, "alice", e18(2))

	w := doJSON(t, router, "POST", "/api/v1/positions/alice/deposit",
		engine.AmountRequest{Amount: e18(2).String()})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["collateral"] != e18(2).String() {
		t.Errorf("expected collateral %s, got %v", e18(2), resp["collateral"])
	}
	if resp["health_factor"] == "" {
		t.Error("expected health_factor in response")
	}
}

func TestDepositEndpoint_BadAmount(t *testing.T) {
	_, router := newTestAPI(t)

	for _, amount := range []string{"", "abc", "1.5"} {
		w := doJSON(t, router, "POST", "/api/v1/positions/alice/deposit",
			engine.AmountRequest{Amount: amount})
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount=%q: expected 400, got %d", amount, w.Code)
		}
	}
}

func TestDepositEndpoint_ReservedAccount(t *testing.T) {
	_, router := newTestAPI(t)

	w := doJSON(t, router, "POST", "/api/v1/positions/engine-vault/deposit",
		engine.AmountRequest{Amount: e18(1).String()})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for reserved account, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMintEndpoint_HealthRejection(t *testing.T) {
	env, router := newTestAPI(t)
	env.fund(t, "alice", e18(1))

	w := doJSON(t, router, "POST", "/api/v1/positions/alice/deposit",
		engine.AmountRequest{Amount: e18(1).String()})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/positions/alice/mint",
		engine.AmountRequest{Amount: e18(1001).String()})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for broken health factor, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Error("expected error message in body")
	}
}

func TestDepositAndMintEndpoint(t *testing.T) {
	env, router := newTestAPI(t)
	env.fund(t, "alice", e18(1))

	w := doJSON(t, router, "POST", "/api/v1/positions/alice/deposit-and-mint",
		engine.CompositeRequest{CollateralAmount: e18(1).String(), DebtAmount: e18(1000).String()})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["debt"] != e18(1000).String() {
		t.Errorf("expected debt %s, got %v", e18(1000), resp["debt"])
	}
}

func TestDepositTransferRefusedEndpoint(t *testing.T) {
	_, router := newTestAPI(t)

	// No funding: the collateral pull refuses.
	w := doJSON(t, router, "POST", "/api/v1/positions/alice/deposit",
		engine.AmountRequest{Amount: e18(1).String()})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for refused transfer, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLiquidationEndpoint(t *testing.T) {
	env, router := newTestAPI(t)
	seedUnderwater(t, env, e18(1800))

	w := doJSON(t, router, "POST", "/api/v1/liquidations", engine.LiquidationRequest{
		Liquidator:  "bob",
		Account:     "alice",
		DebtToCover: e18(900).String(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["debt_covered"] != e18(900).String() {
		t.Errorf("expected debt_covered %s, got %v", e18(900), resp["debt_covered"])
	}
	if resp["collateral_seized"] == "" || resp["bonus"] == "" {
		t.Error("expected collateral_seized and bonus in response")
	}
}

func TestLiquidationEndpoint_Healthy(t *testing.T) {
	env, router := newTestAPI(t)
	env.fund(t, "alice", e18(1))
	if _, err := env.eng.DepositAndMint(context.Background(), "alice", e18(1), e18(500)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, router, "POST", "/api/v1/liquidations", engine.LiquidationRequest{
		Liquidator:  "bob",
		Account:     "alice",
		DebtToCover: e18(100).String(),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for healthy target, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLiquidationEndpoint_InvalidAmount(t *testing.T) {
	env, router := newTestAPI(t)
	seedUnderwater(t, env, e18(1800))

	w := doJSON(t, router, "POST", "/api/v1/liquidations", engine.LiquidationRequest{
		Liquidator:  "bob",
		Account:     "alice",
		DebtToCover: e18(1001).String(),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for excessive debt_to_cover, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetPositionEndpoint(t *testing.T) {
	env, router := newTestAPI(t)
	env.fund(t, "alice", e18(1))
	if _, err := env.eng.DepositAndMint(context.Background(), "alice", e18(1), e18(500)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/positions/alice/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["collateral_value_usd"] != e18(2000).String() {
		t.Errorf("expected collateral_value_usd %s, got %v", e18(2000), resp["collateral_value_usd"])
	}
	if resp["health_factor"] != e18(2).String() {
		t.Errorf("expected health_factor %s, got %v", e18(2), resp["health_factor"])
	}
}

func TestGetHistoryEndpoint(t *testing.T) {
	env, router := newTestAPI(t)
	env.fund(t, "alice", e18(1))
	if _, err := env.eng.DepositAndMint(context.Background(), "alice", e18(1), e18(500)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/positions/alice/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var entries []map[string]any
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (deposit, mint), got %d", len(entries))
	}
}

func TestParamsEndpoint(t *testing.T) {
	_, router := newTestAPI(t)

	w := doJSON(t, router, "GET", "/api/v1/params", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["liquidation_threshold_percent"] != float64(50) {
		t.Errorf("expected threshold 50, got %v", resp["liquidation_threshold_percent"])
	}
	if resp["liquidation_bonus_percent"] != float64(10) {
		t.Errorf("expected bonus 10, got %v", resp["liquidation_bonus_percent"])
	}
}

func TestOraclePriceEndpoints(t *testing.T) {
	_, router := newTestAPI(t)

	w := doJSON(t, router, "PUT", "/api/v1/oracle/price", engine.PriceRequest{Price: "1850.25"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/oracle/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["price"] != "1850.25" {
		t.Errorf("expected price 1850.25, got %s", resp["price"])
	}
	if resp["price_fixed"] != "1850250000000000000000" {
		t.Errorf("unexpected fixed price: %s", resp["price_fixed"])
	}
}

func TestOraclePriceEndpoint_Invalid(t *testing.T) {
	_, router := newTestAPI(t)

	w := doJSON(t, router, "PUT", "/api/v1/oracle/price", engine.PriceRequest{Price: "not-a-number"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid price, got %d", w.Code)
	}
}

func TestListPositionsEndpoint(t *testing.T) {
	env, router := newTestAPI(t)
	env.fund(t, "alice", e18(1))
	env.fund(t, "bob", e18(1))
	ctx := context.Background()
	if _, err := env.eng.DepositCollateral(ctx, "alice", e18(1)); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if _, err := env.eng.DepositCollateral(ctx, "bob", e18(1)); err != nil {
		t.Fatalf("seed bob: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var positions []map[string]any
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 2 {
		t.Errorf("expected 2 positions, got %d", len(positions))
	}
}
