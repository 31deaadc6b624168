// Package types defines the domain model shared across the simulation:
// agents, orders, trades, instruments, world state, news, messages,
// alliances, investigations, and the per-tick event record used for replay.
//
// Monetary values are decimal.Decimal inside the engine and rendered as
// strings at the persistence and wire boundaries (decimal's JSON encoding
// already does this).
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgentStatus is the lifecycle state of an agent. The terminal statuses
// (bankrupt, imprisoned, fled) forbid trading.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentBankrupt   AgentStatus = "bankrupt"
	AgentImprisoned AgentStatus = "imprisoned"
	AgentFled       AgentStatus = "fled"
)

// Terminal reports whether the status forbids further trading.
func (s AgentStatus) Terminal() bool {
	return s == AgentBankrupt || s == AgentImprisoned || s == AgentFled
}

// AgentRole describes what kind of participant the agent plays.
type AgentRole string

const (
	RoleRetail     AgentRole = "retail"
	RoleHedgeFund  AgentRole = "hedge_fund"
	RoleMarketMkr  AgentRole = "market_maker"
	RoleJournalist AgentRole = "journalist"
	RoleRegulator  AgentRole = "regulator"
)

// Agent is an external autonomous participant. Status is mutated only by
// the action processor and enforcement; webhook stats are maintained by the
// dispatcher.
type Agent struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Role        AgentRole       `json:"role"`
	Status      AgentStatus     `json:"status"`
	Cash        decimal.Decimal `json:"cash"`
	MarginUsed  decimal.Decimal `json:"marginUsed"`
	MarginLimit decimal.Decimal `json:"marginLimit"`
	Reputation  int             `json:"reputation"`
	AllianceID  string          `json:"allianceId,omitempty"`

	WebhookURL           string    `json:"webhookUrl,omitempty"`
	WebhookSecret        string    `json:"-"`
	WebhookFailures      int       `json:"webhookFailures"`
	LastWebhookError     string    `json:"lastWebhookError,omitempty"`
	LastWebhookSuccessAt time.Time `json:"lastWebhookSuccessAt,omitzero"`
	LastResponseTimeMs   int64     `json:"lastResponseTimeMs,omitempty"`
	AvgResponseTimeMs    int64     `json:"avgResponseTimeMs,omitempty"`
	WebhookSuccessCount  int64     `json:"webhookSuccessCount"`

	CreatedAt time.Time `json:"createdAt"`
}

// Side is the direction of an order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType selects matching behavior. STOP orders rest in a stop ledger
// and convert to MARKET when the last trade price crosses the stop price.
type OrderType string

const (
	MARKET OrderType = "MARKET"
	LIMIT  OrderType = "LIMIT"
	STOP   OrderType = "STOP"
)

// OrderStatus tracks an order through its lifecycle.
// Invariant: status=filled ⇔ filledQuantity=quantity.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Cancellable reports whether an order in this status may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderPending || s == OrderOpen || s == OrderPartial
}

// Order is a request to trade. Price is required for LIMIT and STOP and
// zero for MARKET.
type Order struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agentId"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filledQuantity"`
	Price          decimal.Decimal `json:"price"`
	Status         OrderStatus     `json:"status"`
	TickSubmitted  int64           `json:"tickSubmitted"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Trade is an immutable record of one fill between two orders.
// Price discovery is taker-pays-maker-price: Price is the resting order's.
type Trade struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	BuyerOrderID  string          `json:"buyerOrderId"`
	SellerOrderID string          `json:"sellerOrderId"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	Tick          int64           `json:"tick"`
	ExecutedAt    time.Time       `json:"executedAt"`
}

// Notional returns price × quantity.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Company is a tradeable instrument. High/Low are trading-day aggregates;
// PreviousClose and Open rotate at the day boundary.
type Company struct {
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Sector            string          `json:"sector"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
	PreviousClose     decimal.Decimal `json:"previousClose"`
	Open              decimal.Decimal `json:"open"`
	High              decimal.Decimal `json:"high"`
	Low               decimal.Decimal `json:"low"`
	MarketCap         decimal.Decimal `json:"marketCap"`
	SharesOutstanding int64           `json:"sharesOutstanding"`
	Volatility        float64         `json:"volatility"`
	Beta              float64         `json:"beta"`
	Sentiment         float64         `json:"sentiment"`
	IsPublic          bool            `json:"isPublic"`
}

// Holding is an agent's position in one symbol. Negative quantity is a
// short position.
type Holding struct {
	AgentID  string          `json:"agentId"`
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
}

// Regime is the market-wide behavioral mode.
type Regime string

const (
	RegimeNormal Regime = "normal"
	RegimeBull   Regime = "bull"
	RegimeBear   Regime = "bear"
	RegimeCrash  Regime = "crash"
	RegimeBubble Regime = "bubble"
)

// WorldState is the global simulation state. Tick is monotonic from 0.
type WorldState struct {
	Tick          int64     `json:"tick"`
	MarketOpen    bool      `json:"marketOpen"`
	Regime        Regime    `json:"regime"`
	InterestRate  float64   `json:"interestRate"`
	InflationRate float64   `json:"inflationRate"`
	GDPGrowth     float64   `json:"gdpGrowth"`
	LastTickAt    time.Time `json:"lastTickAt"`
}

// MarketEvent is an exogenous shock applied to a symbol or sector.
// Active iff Remaining > 0; the tick pipeline decrements Remaining.
type MarketEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Symbol     string    `json:"symbol,omitempty"`
	Sector     string    `json:"sector,omitempty"`
	Impact     float64   `json:"impact"`
	Duration   int64     `json:"duration"`
	Remaining  int64     `json:"remaining"`
	TickIssued int64     `json:"tickIssued"`
	Headline   string    `json:"headline"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewsArticle is a published story, injected or agent-originated (rumors).
type NewsArticle struct {
	ID         string    `json:"id"`
	Tick       int64     `json:"tick"`
	Headline   string    `json:"headline"`
	Content    string    `json:"content"`
	Category   string    `json:"category"`
	Sentiment  float64   `json:"sentiment"`
	Symbols    []string  `json:"symbols"`
	AgentIDs   []string  `json:"agentIds"`
	IsBreaking bool      `json:"isBreaking"`
	CreatedAt  time.Time `json:"createdAt"`
}

// News categories.
const (
	NewsMarket   = "market"
	NewsRumor    = "rumor"
	NewsEarnings = "earnings"
)

// Message is agent-to-agent (or broadcast when RecipientID is empty) mail.
// Channel is "direct" by default, "alliance" for alliance proposals.
type Message struct {
	ID          string     `json:"id"`
	Tick        int64      `json:"tick"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId,omitempty"`
	Channel     string     `json:"channel"`
	Subject     string     `json:"subject,omitempty"`
	Content     string     `json:"content"`
	IsRead      bool       `json:"isRead"`
	IsDeleted   bool       `json:"isDeleted"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Message channels.
const (
	ChannelDirect   = "direct"
	ChannelAlliance = "alliance"
)

// AllianceStatus tracks a pact's lifecycle.
type AllianceStatus string

const (
	AlliancePending   AllianceStatus = "pending"
	AllianceActive    AllianceStatus = "active"
	AllianceDissolved AllianceStatus = "dissolved"
)

// Alliance is a two-party pact between agents.
type Alliance struct {
	ID                string         `json:"id"`
	ProposerID        string         `json:"proposerId"`
	PartnerID         string         `json:"partnerId"`
	Status            AllianceStatus `json:"status"`
	DissolutionReason string         `json:"dissolutionReason,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// CrimeType enumerates what an investigation can be about.
type CrimeType string

const (
	CrimeInsiderTrading     CrimeType = "insider_trading"
	CrimeMarketManipulation CrimeType = "market_manipulation"
	CrimeSpoofing           CrimeType = "spoofing"
	CrimeWashTrading        CrimeType = "wash_trading"
	CrimePumpAndDump        CrimeType = "pump_and_dump"
	CrimeCoordination       CrimeType = "coordination"
	CrimeAccountingFraud    CrimeType = "accounting_fraud"
	CrimeBribery            CrimeType = "bribery"
	CrimeTaxEvasion         CrimeType = "tax_evasion"
	CrimeObstruction        CrimeType = "obstruction"
)

// InvestigationStatus tracks an enforcement case.
type InvestigationStatus string

const (
	InvestigationOpen      InvestigationStatus = "open"
	InvestigationCharged   InvestigationStatus = "charged"
	InvestigationTrial     InvestigationStatus = "trial"
	InvestigationConvicted InvestigationStatus = "convicted"
	InvestigationAcquitted InvestigationStatus = "acquitted"
	InvestigationSettled   InvestigationStatus = "settled"
)

// Investigation is an enforcement case against one agent.
type Investigation struct {
	ID                  string              `json:"id"`
	TargetAgentID       string              `json:"targetAgentId"`
	Crime               CrimeType           `json:"crimeType"`
	Status              InvestigationStatus `json:"status"`
	TickOpened          int64               `json:"tickOpened"`
	TickCharged         int64               `json:"tickCharged,omitempty"`
	FineAmount          decimal.Decimal     `json:"fineAmount"`
	SentenceYears       int                 `json:"sentenceYears,omitempty"`
	ImprisonedUntilTick int64               `json:"imprisonedUntilTick,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
}

// ActionRecord is one row of the action audit trail. Every processor call,
// success or failure, writes exactly one.
type ActionRecord struct {
	ID            string    `json:"id"`
	Tick          int64     `json:"tick"`
	AgentID       string    `json:"agentId"`
	ActionType    string    `json:"actionType"`
	TargetSymbol  string    `json:"targetSymbol,omitempty"`
	TargetAgentID string    `json:"targetAgentId,omitempty"`
	Payload       string    `json:"payload"`
	Result        string    `json:"result"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PriceUpdate is one symbol's price move within a tick.
type PriceUpdate struct {
	Symbol        string          `json:"symbol"`
	OldPrice      decimal.Decimal `json:"oldPrice"`
	NewPrice      decimal.Decimal `json:"newPrice"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent float64         `json:"changePercent"`
	Volume        int64           `json:"volume"`
}

// TickEventRecord is the durable per-tick batch used to catch up
// reconnecting clients. Retention must cover the replay horizon.
type TickEventRecord struct {
	Tick         int64         `json:"tick"`
	Timestamp    time.Time     `json:"timestamp"`
	Trades       []Trade       `json:"trades"`
	News         []NewsArticle `json:"news"`
	PriceUpdates []PriceUpdate `json:"priceUpdates"`
}
