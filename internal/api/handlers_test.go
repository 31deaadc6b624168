package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"wallstreetsim/internal/actions"
	"wallstreetsim/internal/auth"
	"wallstreetsim/internal/book"
	"wallstreetsim/internal/config"
	"wallstreetsim/internal/metrics"
	"wallstreetsim/internal/store"
	"wallstreetsim/internal/world"
	"wallstreetsim/pkg/types"
)

type sinkStub struct{ enqueued int }

func (s *sinkStub) Enqueue(*types.Order)    { s.enqueued++ }
func (s *sinkStub) Cancel(_, _ string) bool { return true }

func apiConfig() *config.Config {
	return &config.Config{
		HTTPPort: 8080,
		Tick: config.TickConfig{
			TickIntervalMs:     1000,
			TicksPerTradingDay: 390,
			TicksAfterHours:    30,
			MarketCloseTick:    390,
			ReplayHorizonTicks: 100,
		},
		Limits: config.LimitsConfig{
			MaxOrderQuantity:  1_000_000,
			MinOrderQuantity:  1,
			MinPrice:          0.01,
			MaxPrice:          1_000_000,
			MaxLeverage:       10,
			MarginRequirement: 0.5,
			ActionsPerRequest: 10,
			ActionsPerSecond:  1000,
			ActionsBurst:      1000,
		},
	}
}

func newTestHandlers(t *testing.T, cfg *config.Config) (*Handlers, *store.Memory) {
	t.Helper()
	if cfg == nil {
		cfg = apiConfig()
	}
	mem := store.NewMemory(100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	state := world.NewState(world.Clock{
		TicksPerTradingDay: 390,
		TicksAfterHours:    30,
		MarketCloseTick:    390,
	}, nil)
	company := &types.Company{
		Symbol:            "ACME",
		Name:              "Acme Industrial",
		CurrentPrice:      decimal.NewFromInt(50),
		SharesOutstanding: 1000,
		IsPublic:          true,
	}
	state.LoadCompanies([]*types.Company{company})
	mem.UpsertCompany(context.Background(), company)

	engine := book.NewEngine()
	engine.Initialize([]string{"ACME"})

	creds := auth.New(
		"jwtsecret-jwtsecret-jwtsecret-jwtsecret-",
		"apisecret-apisecret-apisecret-apisecret-",
	)
	processor := actions.NewProcessor(mem, &sinkStub{}, cfg.Limits, nil, logger)

	h := NewHandlers(cfg, mem, creds, processor, state, engine, nil, nil, metrics.New(), logger)
	return h, mem
}

func postJSON(handler http.HandlerFunc, path string, body any, bearer string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func register(t *testing.T, h *Handlers, name string) (agentID, apiKey string) {
	t.Helper()
	rec := postJSON(h.HandleRegister, "/auth/register", map[string]any{"name": name}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	agentID, _ = body["agentId"].(string)
	apiKey, _ = body["apiKey"].(string)
	if agentID == "" || apiKey == "" || body["webhookSecret"] == "" {
		t.Fatalf("registration response incomplete: %v", body)
	}
	return agentID, apiKey
}

func TestRegisterVerifyActionsFlow(t *testing.T) {
	t.Parallel()
	h, mem := newTestHandlers(t, nil)
	agentID, apiKey := register(t, h, "Flow Bot")

	agent, err := mem.GetAgent(context.Background(), agentID)
	if err != nil {
		t.Fatalf("agent not persisted: %v", err)
	}
	if !agent.Cash.Equal(startingCash) || agent.Reputation != startingReputation {
		t.Errorf("starting balances = %s / %d", agent.Cash, agent.Reputation)
	}

	rec := postJSON(h.HandleVerify, "/auth/verify", nil, apiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify = %d: %s", rec.Code, rec.Body.String())
	}
	verify := decodeBody(t, rec)
	if verify["valid"] != true || verify["agentId"] != agentID {
		t.Errorf("verify body = %v", verify)
	}
	token, _ := verify["token"].(string)
	if token == "" {
		t.Fatal("verify returned no session token")
	}

	// The session token works for the actions endpoint.
	rec = postJSON(h.HandleActions, "/actions", map[string]any{
		"actions": []map[string]any{
			{"type": "BUY", "symbol": "ACME", "quantity": 5},
		},
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("actions = %d: %s", rec.Code, rec.Body.String())
	}
	results := decodeBody(t, rec)["results"].([]any)
	first := results[0].(map[string]any)
	if first["success"] != true {
		t.Errorf("action result = %v", first)
	}
}

func TestActionsRequireAuth(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandlers(t, nil)

	rec := postJSON(h.HandleActions, "/actions", map[string]any{"actions": []any{}}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials = %d, want 401", rec.Code)
	}

	rec = postJSON(h.HandleActions, "/actions", nil, "wss_deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus key = %d, want 401", rec.Code)
	}
}

func TestActionsBatchValidation(t *testing.T) {
	t.Parallel()
	cfg := apiConfig()
	cfg.Limits.ActionsPerRequest = 2
	h, _ := newTestHandlers(t, cfg)
	_, apiKey := register(t, h, "Batch Bot")

	rec := postJSON(h.HandleActions, "/actions", map[string]any{"actions": []any{}}, apiKey)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch = %d, want 400", rec.Code)
	}

	batch := make([]map[string]any, 3)
	for i := range batch {
		batch[i] = map[string]any{"type": "BUY", "symbol": "ACME", "quantity": 1}
	}
	rec = postJSON(h.HandleActions, "/actions", map[string]any{"actions": batch}, apiKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized batch = %d, want 400", rec.Code)
	}
	errBody := decodeBody(t, rec)["error"].(map[string]any)
	if errBody["code"] != "TOO_MANY_ACTIONS" {
		t.Errorf("error code = %v", errBody["code"])
	}
}

func TestActionsRateLimited(t *testing.T) {
	t.Parallel()
	cfg := apiConfig()
	cfg.Limits.ActionsBurst = 1
	cfg.Limits.ActionsPerSecond = 0.001
	h, _ := newTestHandlers(t, cfg)
	_, apiKey := register(t, h, "Spam Bot")

	body := map[string]any{"actions": []map[string]any{
		{"type": "BUY", "symbol": "ACME", "quantity": 1},
	}}
	if rec := postJSON(h.HandleActions, "/actions", body, apiKey); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d: %s", rec.Code, rec.Body.String())
	}

	rec := postJSON(h.HandleActions, "/actions", body, apiKey)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	errBody := decodeBody(t, rec)["error"].(map[string]any)
	if errBody["code"] != "RATE_LIMITED" {
		t.Errorf("error code = %v", errBody["code"])
	}
}

func TestPerActionFailuresStayInResults(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandlers(t, nil)
	_, apiKey := register(t, h, "Mixed Bot")

	rec := postJSON(h.HandleActions, "/actions", map[string]any{
		"actions": []map[string]any{
			{"type": "BUY", "symbol": "ACME", "quantity": 1},
			{"type": "BUY", "symbol": "ACME", "quantity": 0},
		},
	}, apiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("mixed batch = %d, want 200 with per-action results", rec.Code)
	}
	results := decodeBody(t, rec)["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].(map[string]any)["success"] != true {
		t.Errorf("first result = %v", results[0])
	}
	second := results[1].(map[string]any)
	if second["success"] != false || second["message"] != "Invalid quantity" {
		t.Errorf("second result = %v", second)
	}
}

func TestMarketReads(t *testing.T) {
	t.Parallel()
	h, mem := newTestHandlers(t, nil)

	rec := httptest.NewRecorder()
	h.HandleStocks(rec, httptest.NewRequest(http.MethodGet, "/market/stocks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stocks = %d", rec.Code)
	}
	stocks := decodeBody(t, rec)["stocks"].([]any)
	if len(stocks) != 1 {
		t.Errorf("stocks = %d, want 1", len(stocks))
	}

	req := httptest.NewRequest(http.MethodGet, "/market/stocks/ACME", nil)
	req.SetPathValue("symbol", "ACME")
	rec = httptest.NewRecorder()
	h.HandleStock(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stock = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/market/stocks/NOPE", nil)
	req.SetPathValue("symbol", "NOPE")
	rec = httptest.NewRecorder()
	h.HandleStock(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown stock = %d, want 404", rec.Code)
	}

	mem.InsertTrades(context.Background(), []types.Trade{
		{ID: "t1", Symbol: "ACME", Quantity: 5, Price: decimal.NewFromInt(50)},
	})
	req = httptest.NewRequest(http.MethodGet, "/market/trades/ACME", nil)
	req.SetPathValue("symbol", "ACME")
	rec = httptest.NewRecorder()
	h.HandleTrades(rec, req)
	trades := decodeBody(t, rec)["trades"].([]any)
	if len(trades) != 1 {
		t.Errorf("trades = %d, want 1", len(trades))
	}

	req = httptest.NewRequest(http.MethodGet, "/market/trades/ACME?limit=bogus", nil)
	req.SetPathValue("symbol", "ACME")
	rec = httptest.NewRecorder()
	h.HandleTrades(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestWorldReads(t *testing.T) {
	t.Parallel()
	h, mem := newTestHandlers(t, nil)
	ctx := context.Background()

	rich := &types.Agent{ID: "rich", Name: "Rich", Status: types.AgentActive, Cash: decimal.NewFromInt(500_000)}
	poor := &types.Agent{ID: "poor", Name: "Poor", Status: types.AgentActive, Cash: decimal.NewFromInt(1_000)}
	mem.CreateAgent(ctx, rich, "d1")
	mem.CreateAgent(ctx, poor, "d2")
	// Short position reduces net worth at the current price.
	mem.UpsertHolding(ctx, &types.Holding{AgentID: "poor", Symbol: "ACME", Quantity: -10, AvgPrice: decimal.NewFromInt(50)})

	rec := httptest.NewRecorder()
	h.HandleWorldTick(rec, httptest.NewRequest(http.MethodGet, "/world/tick", nil))
	body := decodeBody(t, rec)
	if body["tick"] != float64(0) {
		t.Errorf("tick = %v, want 0", body["tick"])
	}

	rec = httptest.NewRecorder()
	h.HandleLeaderboard(rec, httptest.NewRequest(http.MethodGet, "/world/leaderboard", nil))
	entries := decodeBody(t, rec)["leaderboard"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	top := entries[0].(map[string]any)
	if top["agentId"] != "rich" {
		t.Errorf("top = %v, want rich first", top)
	}

	mem.CreateInvestigation(ctx, &types.Investigation{
		ID: "i1", TargetAgentID: "poor", Crime: types.CrimeBribery, Status: types.InvestigationOpen,
	})
	rec = httptest.NewRecorder()
	h.HandleMostWanted(rec, httptest.NewRequest(http.MethodGet, "/world/investigations/most-wanted", nil))
	wanted := decodeBody(t, rec)["mostWanted"].([]any)
	if len(wanted) != 1 || wanted[0].(map[string]any)["agentId"] != "poor" {
		t.Errorf("mostWanted = %v", wanted)
	}

	mem.CreateInvestigation(ctx, &types.Investigation{
		ID: "i2", TargetAgentID: "poor", Crime: types.CrimeBribery,
		Status: types.InvestigationConvicted, ImprisonedUntilTick: 500,
	})
	rec = httptest.NewRecorder()
	h.HandlePrison(rec, httptest.NewRequest(http.MethodGet, "/world/prison", nil))
	prison := decodeBody(t, rec)["prison"].([]any)
	if len(prison) != 1 || prison[0].(map[string]any)["untilTick"] != float64(500) {
		t.Errorf("prison = %v", prison)
	}
}

func TestStepRejectedOutsideSteppedMode(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandlers(t, nil)

	rec := postJSON(h.HandleStep, "/world/step", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("step = %d, want 409", rec.Code)
	}
	errBody := decodeBody(t, rec)["error"].(map[string]any)
	if errBody["code"] != "NOT_STEPPED" {
		t.Errorf("error code = %v", errBody["code"])
	}
}
