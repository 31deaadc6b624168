package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"wallstreetsim/internal/store"
	"wallstreetsim/pkg/types"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 100
	defaultNewsLimit  = 50
)

// HandleStocks lists every instrument.
func (h *Handlers) HandleStocks(w http.ResponseWriter, r *http.Request) {
	companies := h.world.Companies()
	sort.Slice(companies, func(i, j int) bool { return companies[i].Symbol < companies[j].Symbol })
	writeJSON(w, http.StatusOK, map[string]any{"stocks": companies})
}

// HandleStock returns one instrument.
func (h *Handlers) HandleStock(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	c := h.world.Company(symbol)
	if c == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown symbol")
		return
	}
	bid, ask := h.engine.BestBidAsk(symbol)
	writeJSON(w, http.StatusOK, map[string]any{
		"stock":   c,
		"bestBid": bid,
		"bestAsk": ask,
	})
}

// HandleOrderBook returns the aggregated book levels for one symbol.
func (h *Handlers) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if h.world.Company(symbol) == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown symbol")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.OrderBook(symbol))
}

// HandleTrades returns recent trades for one symbol, newest first.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	trades, err := h.store.ListTrades(r.Context(), store.TradeQuery{Symbol: symbol, Limit: limit})
	if err != nil {
		h.logger.Error("failed to list trades", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "trade lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// HandleWorldStatus returns the full world snapshot plus active events.
func (h *Handlers) HandleWorldStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"world":  h.world.Snapshot(),
		"events": h.world.ActiveEvents(),
	})
}

// HandleWorldTick returns just the clock.
func (h *Handlers) HandleWorldTick(w http.ResponseWriter, r *http.Request) {
	ws := h.world.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"tick":       ws.Tick,
		"marketOpen": ws.MarketOpen,
	})
}

type leaderboardEntry struct {
	AgentID  string            `json:"agentId"`
	Name     string            `json:"name"`
	Status   types.AgentStatus `json:"status"`
	NetWorth decimal.Decimal   `json:"netWorth"`
}

// HandleLeaderboard ranks agents by net worth: cash plus signed holdings
// marked at the current price.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "agent lookup failed")
		return
	}

	entries := make([]leaderboardEntry, 0, len(agents))
	for _, a := range agents {
		net := a.Cash
		holdings, err := h.store.ListHoldings(r.Context(), a.ID)
		if err != nil {
			h.logger.Error("failed to list holdings", "agent", a.ID, "error", err)
			continue
		}
		for _, hold := range holdings {
			c := h.world.Company(hold.Symbol)
			if c == nil {
				continue
			}
			net = net.Add(c.CurrentPrice.Mul(decimal.NewFromInt(hold.Quantity)))
		}
		entries = append(entries, leaderboardEntry{
			AgentID:  a.ID,
			Name:     a.Name,
			Status:   a.Status,
			NetWorth: net,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NetWorth.GreaterThan(entries[j].NetWorth)
	})
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

type wantedEntry struct {
	AgentID   string `json:"agentId"`
	Name      string `json:"name"`
	OpenCases int    `json:"openCases"`
}

// HandleMostWanted ranks agents by open investigation count.
func (h *Handlers) HandleMostWanted(w http.ResponseWriter, r *http.Request) {
	cases, err := h.store.ListInvestigations(r.Context())
	if err != nil {
		h.logger.Error("failed to list investigations", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "investigation lookup failed")
		return
	}

	counts := make(map[string]int)
	for _, inv := range cases {
		if inv.Status == types.InvestigationOpen || inv.Status == types.InvestigationCharged {
			counts[inv.TargetAgentID]++
		}
	}

	entries := make([]wantedEntry, 0, len(counts))
	for agentID, n := range counts {
		name := agentID
		if a, err := h.store.GetAgent(r.Context(), agentID); err == nil {
			name = a.Name
		}
		entries = append(entries, wantedEntry{AgentID: agentID, Name: name, OpenCases: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].OpenCases != entries[j].OpenCases {
			return entries[i].OpenCases > entries[j].OpenCases
		}
		return entries[i].AgentID < entries[j].AgentID
	})
	writeJSON(w, http.StatusOK, map[string]any{"mostWanted": entries})
}

type prisonEntry struct {
	AgentID   string          `json:"agentId"`
	Name      string          `json:"name"`
	Crime     types.CrimeType `json:"crimeType"`
	UntilTick int64           `json:"untilTick"`
}

// HandlePrison lists agents serving sentences.
func (h *Handlers) HandlePrison(w http.ResponseWriter, r *http.Request) {
	cases, err := h.store.ListInvestigations(r.Context())
	if err != nil {
		h.logger.Error("failed to list investigations", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "investigation lookup failed")
		return
	}

	now := h.world.Tick()
	entries := make([]prisonEntry, 0)
	for _, inv := range cases {
		if inv.Status != types.InvestigationConvicted || inv.ImprisonedUntilTick <= now {
			continue
		}
		name := inv.TargetAgentID
		if a, err := h.store.GetAgent(r.Context(), inv.TargetAgentID); err == nil {
			name = a.Name
		}
		entries = append(entries, prisonEntry{
			AgentID:   inv.TargetAgentID,
			Name:      name,
			Crime:     inv.Crime,
			UntilTick: inv.ImprisonedUntilTick,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UntilTick > entries[j].UntilTick })
	writeJSON(w, http.StatusOK, map[string]any{"prison": entries})
}

// HandleNews returns recent articles, newest first.
func (h *Handlers) HandleNews(w http.ResponseWriter, r *http.Request) {
	limit := defaultNewsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	articles, err := h.store.ListNews(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list news", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "news lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"news": articles})
}
