// Package store is the persistence gateway. The engine treats durable
// storage as an external collaborator reachable only through the Gateway
// interface; Memory is the reference implementation and the fake used by
// every test. The tick-event journal additionally persists to disk so the
// replay horizon survives restarts.
package store

import (
	"context"
	"errors"

	"wallstreetsim/pkg/types"
)

// ErrNotFound is returned for any lookup that matches no row.
var ErrNotFound = errors.New("not found")

// TradeQuery bounds a trade listing. Limit is capped by the caller.
type TradeQuery struct {
	Symbol string
	Limit  int
}

// Gateway exposes the transactions the engine needs. Implementations must
// be safe for concurrent use; writes inside the tick pipeline are retried
// with the database profile by the caller.
type Gateway interface {
	// Agents.
	CreateAgent(ctx context.Context, a *types.Agent, apiKeyDigest string) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	GetAgentByAPIKeyDigest(ctx context.Context, digest string) (*types.Agent, error)
	UpdateAgent(ctx context.Context, a *types.Agent) error
	ListAgents(ctx context.Context) ([]*types.Agent, error)

	// Orders. ListOpenOrders covers the (agentId, status) index.
	CreateOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	UpdateOrder(ctx context.Context, o *types.Order) error
	ListOpenOrders(ctx context.Context, agentID string) ([]*types.Order, error)

	// Trades, immutable once written. ListTrades returns newest first,
	// covering the (symbol, createdAt desc) index.
	InsertTrades(ctx context.Context, trades []types.Trade) error
	ListTrades(ctx context.Context, q TradeQuery) ([]types.Trade, error)

	// Companies.
	UpsertCompany(ctx context.Context, c *types.Company) error
	GetCompany(ctx context.Context, symbol string) (*types.Company, error)
	ListCompanies(ctx context.Context) ([]*types.Company, error)

	// Holdings.
	GetHolding(ctx context.Context, agentID, symbol string) (*types.Holding, error)
	UpsertHolding(ctx context.Context, h *types.Holding) error
	ListHoldings(ctx context.Context, agentID string) ([]*types.Holding, error)

	// News.
	InsertNews(ctx context.Context, n *types.NewsArticle) error
	ListNews(ctx context.Context, limit int) ([]*types.NewsArticle, error)

	// Messages. FindAllianceProposal covers the (recipientId, channel,
	// isRead) index: channel="alliance", subject containing the alliance
	// id, addressed to recipientID.
	InsertMessage(ctx context.Context, m *types.Message) error
	FindAllianceProposal(ctx context.Context, recipientID, allianceID string) (*types.Message, error)

	// Alliances.
	CreateAlliance(ctx context.Context, a *types.Alliance) error
	GetAlliance(ctx context.Context, id string) (*types.Alliance, error)
	UpdateAlliance(ctx context.Context, a *types.Alliance) error

	// Investigations.
	CreateInvestigation(ctx context.Context, inv *types.Investigation) error
	UpdateInvestigation(ctx context.Context, inv *types.Investigation) error
	OpenInvestigations(ctx context.Context, targetAgentID string) ([]*types.Investigation, error)
	ListInvestigations(ctx context.Context) ([]*types.Investigation, error)

	// Action audit trail. LogAction is the only write path.
	LogAction(ctx context.Context, rec *types.ActionRecord) error
	ListActions(ctx context.Context, agentID string, limit int) ([]*types.ActionRecord, error)

	// Tick-event records for replay. TickEventsSince returns records with
	// fromTick < tick <= toTick in ascending tick order. OldestRetainedTick
	// reports the horizon floor.
	AppendTickEvents(ctx context.Context, rec *types.TickEventRecord) error
	TickEventsSince(ctx context.Context, fromTick, toTick int64) ([]*types.TickEventRecord, error)
	OldestRetainedTick(ctx context.Context) (int64, error)

	// World state checkpoint.
	SaveWorldState(ctx context.Context, ws *types.WorldState) error
	LoadWorldState(ctx context.Context) (*types.WorldState, error)
}
