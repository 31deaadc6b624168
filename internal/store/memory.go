package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"wallstreetsim/pkg/types"
)

// Memory is the in-memory Gateway. All rows are deep-copied on the way in
// and out so callers never share mutable state with the store.
type Memory struct {
	mu sync.RWMutex

	agents       map[string]*types.Agent
	apiKeyIndex  map[string]string // digest -> agentID
	orders       map[string]*types.Order
	trades       []types.Trade
	companies    map[string]*types.Company
	holdings     map[string]*types.Holding // agentID+"/"+symbol
	news         []*types.NewsArticle
	messages     []*types.Message
	alliances    map[string]*types.Alliance
	investigs    map[string]*types.Investigation
	actions      []*types.ActionRecord
	tickEvents   []*types.TickEventRecord
	worldState   *types.WorldState
	eventHorizon int64
}

// NewMemory creates an empty store retaining horizon tick-event records.
func NewMemory(horizon int64) *Memory {
	if horizon <= 0 {
		horizon = 1000
	}
	return &Memory{
		agents:       make(map[string]*types.Agent),
		apiKeyIndex:  make(map[string]string),
		orders:       make(map[string]*types.Order),
		companies:    make(map[string]*types.Company),
		holdings:     make(map[string]*types.Holding),
		alliances:    make(map[string]*types.Alliance),
		investigs:    make(map[string]*types.Investigation),
		eventHorizon: horizon,
	}
}

func (m *Memory) CreateAgent(_ context.Context, a *types.Agent, apiKeyDigest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	m.apiKeyIndex[apiKeyDigest] = a.ID
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetAgentByAPIKeyDigest(_ context.Context, digest string) (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.apiKeyIndex[digest]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) UpdateAgent(_ context.Context, a *types.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) ListAgents(_ context.Context) ([]*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateOrder(_ context.Context, o *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) UpdateOrder(_ context.Context, o *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) ListOpenOrders(_ context.Context, agentID string) ([]*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Order
	for _, o := range m.orders {
		if o.AgentID != agentID || !o.Status.Cancellable() {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertTrades(_ context.Context, trades []types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trades...)
	return nil
}

func (m *Memory) ListTrades(_ context.Context, q TradeQuery) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trade
	// Newest first.
	for i := len(m.trades) - 1; i >= 0; i-- {
		t := m.trades[i]
		if q.Symbol != "" && t.Symbol != q.Symbol {
			continue
		}
		out = append(out, t)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpsertCompany(_ context.Context, c *types.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.companies[c.Symbol] = &cp
	return nil
}

func (m *Memory) GetCompany(_ context.Context, symbol string) (*types.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListCompanies(_ context.Context) ([]*types.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Company, 0, len(m.companies))
	for _, c := range m.companies {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func holdingKey(agentID, symbol string) string { return agentID + "/" + symbol }

func (m *Memory) GetHolding(_ context.Context, agentID, symbol string) (*types.Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holdings[holdingKey(agentID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *Memory) UpsertHolding(_ context.Context, h *types.Holding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := holdingKey(h.AgentID, h.Symbol)
	if h.Quantity == 0 {
		delete(m.holdings, key)
		return nil
	}
	cp := *h
	m.holdings[key] = &cp
	return nil
}

func (m *Memory) ListHoldings(_ context.Context, agentID string) ([]*types.Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Holding
	for _, h := range m.holdings {
		if h.AgentID != agentID {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) InsertNews(_ context.Context, n *types.NewsArticle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	cp.Symbols = append([]string(nil), n.Symbols...)
	cp.AgentIDs = append([]string(nil), n.AgentIDs...)
	m.news = append(m.news, &cp)
	return nil
}

func (m *Memory) ListNews(_ context.Context, limit int) ([]*types.NewsArticle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.NewsArticle
	for i := len(m.news) - 1; i >= 0; i-- {
		cp := *m.news[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *Memory) FindAllianceProposal(_ context.Context, recipientID, allianceID string) (*types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages {
		if msg.Channel == types.ChannelAlliance &&
			msg.RecipientID == recipientID &&
			strings.Contains(msg.Subject, allianceID) {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateAlliance(_ context.Context, a *types.Alliance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alliances[a.ID] = &cp
	return nil
}

func (m *Memory) GetAlliance(_ context.Context, id string) (*types.Alliance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alliances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) UpdateAlliance(_ context.Context, a *types.Alliance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alliances[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.alliances[a.ID] = &cp
	return nil
}

func (m *Memory) CreateInvestigation(_ context.Context, inv *types.Investigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.investigs[inv.ID] = &cp
	return nil
}

func (m *Memory) UpdateInvestigation(_ context.Context, inv *types.Investigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.investigs[inv.ID]; !ok {
		return ErrNotFound
	}
	cp := *inv
	m.investigs[inv.ID] = &cp
	return nil
}

func (m *Memory) OpenInvestigations(_ context.Context, targetAgentID string) ([]*types.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Investigation
	for _, inv := range m.investigs {
		if inv.TargetAgentID != targetAgentID {
			continue
		}
		if inv.Status != types.InvestigationOpen && inv.Status != types.InvestigationCharged && inv.Status != types.InvestigationTrial {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TickOpened < out[j].TickOpened })
	return out, nil
}

func (m *Memory) ListInvestigations(_ context.Context) ([]*types.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Investigation, 0, len(m.investigs))
	for _, inv := range m.investigs {
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TickOpened < out[j].TickOpened })
	return out, nil
}

func (m *Memory) LogAction(_ context.Context, rec *types.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *Memory) ListActions(_ context.Context, agentID string, limit int) ([]*types.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.ActionRecord
	for i := len(m.actions) - 1; i >= 0; i-- {
		rec := m.actions[i]
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AppendTickEvents(_ context.Context, rec *types.TickEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyTickRecord(rec)
	m.tickEvents = append(m.tickEvents, cp)
	if n := int64(len(m.tickEvents)); n > m.eventHorizon {
		m.tickEvents = m.tickEvents[n-m.eventHorizon:]
	}
	return nil
}

func (m *Memory) TickEventsSince(_ context.Context, fromTick, toTick int64) ([]*types.TickEventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.TickEventRecord
	for _, rec := range m.tickEvents {
		if rec.Tick > fromTick && rec.Tick <= toTick {
			out = append(out, copyTickRecord(rec))
		}
	}
	return out, nil
}

func (m *Memory) OldestRetainedTick(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.tickEvents) == 0 {
		return 0, nil
	}
	return m.tickEvents[0].Tick, nil
}

func (m *Memory) SaveWorldState(_ context.Context, ws *types.WorldState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ws
	m.worldState = &cp
	return nil
}

func (m *Memory) LoadWorldState(_ context.Context) (*types.WorldState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.worldState == nil {
		return nil, ErrNotFound
	}
	cp := *m.worldState
	return &cp, nil
}

func copyTickRecord(rec *types.TickEventRecord) *types.TickEventRecord {
	cp := *rec
	cp.Trades = append([]types.Trade(nil), rec.Trades...)
	cp.News = append([]types.NewsArticle(nil), rec.News...)
	cp.PriceUpdates = append([]types.PriceUpdate(nil), rec.PriceUpdates...)
	return &cp
}
