package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallstreetsim/internal/config"
	"wallstreetsim/internal/store"
	"wallstreetsim/pkg/types"
)

// fleeCost is debited when an agent flees the jurisdiction.
var fleeCost = decimal.NewFromInt(50_000)

// bribeInvestigationP is the probability a bribe opens an investigation.
const bribeInvestigationP = 0.25

// defaultDestination is where fleeing agents end up when they don't say.
const defaultDestination = "Grand Cayman"

// OrderSink is the processor's handle on the matching side. Trading
// actions enqueue pending orders here; the tick pipeline drains them into
// the engine. Cancel reaches the book (and stop ledger) immediately.
type OrderSink interface {
	Enqueue(o *types.Order)
	Cancel(symbol, orderID string) bool
}

// Ctx carries the per-call identity resolved by the ingress layer.
type Ctx struct {
	AgentID string
	Agent   *types.Agent
	Tick    int64
}

// Processor validates and applies agent actions against persistent state.
// Each call runs under that agent's lock (fair, non-reentrant); the lock
// never extends into subscriber fanout.
type Processor struct {
	store  store.Gateway
	orders OrderSink
	limits config.LimitsConfig
	rng    *rand.Rand
	rngMu  sync.Mutex
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewProcessor creates a processor. rng drives the probabilistic outcomes
// (bribe investigations); tests pin the seed.
func NewProcessor(gw store.Gateway, orders OrderSink, limits config.LimitsConfig, rng *rand.Rand, logger *slog.Logger) *Processor {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Processor{
		store:  gw,
		orders: orders,
		limits: limits,
		rng:    rng,
		logger: logger.With("component", "actions"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (p *Processor) lockFor(agentID string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	mu, ok := p.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[agentID] = mu
	}
	return mu
}

// Process decodes and applies one action, holding the agent's lock for
// validation + persistence. Every call — success or failure — writes one
// Action audit row.
func (p *Processor) Process(ctx context.Context, actx Ctx, req Request) Result {
	mu := p.lockFor(actx.AgentID)
	mu.Lock()
	defer mu.Unlock()

	var res Result
	act, err := Decode(req)
	if err != nil {
		res = failure(req.Type, "Unknown action type")
	} else {
		res = p.apply(ctx, actx, act)
	}

	p.logAction(ctx, actx, req, res)
	return res
}

// apply is the single dispatch point over the action sum.
func (p *Processor) apply(ctx context.Context, actx Ctx, act Action) Result {
	switch a := act.(type) {
	case Buy:
		return p.trade(ctx, actx, a.ActionType(), types.BUY, a.tradeAction)
	case Sell:
		return p.trade(ctx, actx, a.ActionType(), types.SELL, a.tradeAction)
	case Short:
		return p.trade(ctx, actx, a.ActionType(), types.SELL, a.tradeAction)
	case Cover:
		return p.trade(ctx, actx, a.ActionType(), types.BUY, a.tradeAction)
	case CancelOrder:
		return p.cancelOrder(ctx, actx, a)
	case Rumor:
		return p.rumor(ctx, actx, a)
	case SendMessage:
		return p.message(ctx, actx, a)
	case Ally:
		return p.ally(ctx, actx, a)
	case AllyAccept:
		return p.allyAccept(ctx, actx, a)
	case AllyReject:
		return p.allyReject(ctx, actx, a)
	case AllyDissolve:
		return p.allyDissolve(ctx, actx, a)
	case Bribe:
		return p.bribe(ctx, actx, a)
	case Whistleblow:
		return p.whistleblow(ctx, actx, a)
	case Flee:
		return p.flee(ctx, actx, a)
	default:
		return failure(act.ActionType(), "Unknown action type")
	}
}

func (p *Processor) trade(ctx context.Context, actx Ctx, name string, side types.Side, t tradeAction) Result {
	if t.Quantity < p.limits.MinOrderQuantity || t.Quantity > p.limits.MaxOrderQuantity {
		return failure(name, "Invalid quantity")
	}
	if actx.Agent.Status != types.AgentActive {
		return failure(name, fmt.Sprintf("Agent is %s", actx.Agent.Status))
	}
	if t.OrderType == types.LIMIT || t.OrderType == types.STOP {
		if t.Price.IsZero() {
			return failure(name, fmt.Sprintf("Price required for %s orders", t.OrderType))
		}
		min := decimal.NewFromFloat(p.limits.MinPrice)
		max := decimal.NewFromFloat(p.limits.MaxPrice)
		if t.Price.LessThan(min) || t.Price.GreaterThan(max) {
			return failure(name, "Invalid price")
		}
	}

	o := &types.Order{
		ID:            uuid.NewString(),
		AgentID:       actx.AgentID,
		Symbol:        t.Symbol,
		Side:          side,
		Type:          t.OrderType,
		Quantity:      t.Quantity,
		Price:         t.Price,
		Status:        types.OrderPending,
		TickSubmitted: actx.Tick,
		CreatedAt:     time.Now(),
	}
	if err := p.store.CreateOrder(ctx, o); err != nil {
		return failure(name, "Failed to persist order")
	}
	p.orders.Enqueue(o)

	return success(name, "Order submitted", map[string]any{"orderId": o.ID})
}

func (p *Processor) cancelOrder(ctx context.Context, actx Ctx, a CancelOrder) Result {
	const name = "CANCEL_ORDER"
	o, err := p.store.GetOrder(ctx, a.OrderID)
	if err != nil {
		return failure(name, "Order not found")
	}
	if o.AgentID != actx.AgentID {
		return failure(name, "Not your order")
	}
	if !o.Status.Cancellable() {
		return failure(name, "Order cannot be cancelled")
	}

	p.orders.Cancel(o.Symbol, o.ID)
	o.Status = types.OrderCancelled
	if err := p.store.UpdateOrder(ctx, o); err != nil {
		return failure(name, "Failed to persist cancellation")
	}
	return success(name, "Order cancelled", map[string]any{"orderId": o.ID})
}

func (p *Processor) rumor(ctx context.Context, actx Ctx, a Rumor) Result {
	const name = "RUMOR"
	const cost = 5
	if actx.Agent.Reputation < cost {
		return failure(name, "Insufficient reputation")
	}

	actx.Agent.Reputation -= cost
	if err := p.store.UpdateAgent(ctx, actx.Agent); err != nil {
		return failure(name, "Failed to update reputation")
	}

	content := a.Content
	if len(content) > 100 {
		// Back up to a rune boundary so the headline stays valid UTF-8.
		cut := 100
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	article := &types.NewsArticle{
		ID:        uuid.NewString(),
		Tick:      actx.Tick,
		Headline:  "RUMOR: " + content,
		Content:   a.Content,
		Category:  types.NewsRumor,
		Sentiment: 0,
		Symbols:   []string{a.Symbol},
		AgentIDs:  []string{actx.AgentID},
		CreatedAt: time.Now(),
	}
	if err := p.store.InsertNews(ctx, article); err != nil {
		return failure(name, "Failed to publish rumor")
	}
	return success(name, "Rumor planted", map[string]any{"newsId": article.ID})
}

func (p *Processor) message(ctx context.Context, actx Ctx, a SendMessage) Result {
	const name = "MESSAGE"
	if _, err := p.store.GetAgent(ctx, a.RecipientID); err != nil {
		return failure(name, "Recipient not found")
	}

	msg := &types.Message{
		ID:          uuid.NewString(),
		Tick:        actx.Tick,
		SenderID:    actx.AgentID,
		RecipientID: a.RecipientID,
		Channel:     types.ChannelDirect,
		Subject:     a.Subject,
		Content:     a.Content,
		CreatedAt:   time.Now(),
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		return failure(name, "Failed to send message")
	}
	return success(name, "Message sent", map[string]any{"messageId": msg.ID})
}

func (p *Processor) ally(ctx context.Context, actx Ctx, a Ally) Result {
	const name = "ALLY"
	target, err := p.store.GetAgent(ctx, a.TargetAgentID)
	if err != nil {
		return failure(name, "Target agent not found")
	}
	if target.Status != types.AgentActive {
		return failure(name, "Target agent is not active")
	}

	alliance := &types.Alliance{
		ID:         uuid.NewString(),
		ProposerID: actx.AgentID,
		PartnerID:  target.ID,
		Status:     types.AlliancePending,
		CreatedAt:  time.Now(),
	}
	if err := p.store.CreateAlliance(ctx, alliance); err != nil {
		return failure(name, "Failed to create alliance")
	}

	proposal := &types.Message{
		ID:          uuid.NewString(),
		Tick:        actx.Tick,
		SenderID:    actx.AgentID,
		RecipientID: target.ID,
		Channel:     types.ChannelAlliance,
		Subject:     fmt.Sprintf("Alliance Proposal (%s)", alliance.ID),
		Content:     fmt.Sprintf("%s proposes an alliance.", actx.Agent.Name),
		CreatedAt:   time.Now(),
	}
	if err := p.store.InsertMessage(ctx, proposal); err != nil {
		return failure(name, "Failed to deliver proposal")
	}
	return success(name, "Alliance proposed", map[string]any{"allianceId": alliance.ID})
}

// loadPendingAlliance is the shared lookup for ALLY_ACCEPT / ALLY_REJECT.
func (p *Processor) loadPendingAlliance(ctx context.Context, actx Ctx, name, allianceID string) (*types.Alliance, Result, bool) {
	alliance, err := p.store.GetAlliance(ctx, allianceID)
	if err != nil {
		return nil, failure(name, "Alliance not found"), false
	}
	if alliance.Status != types.AlliancePending {
		return nil, failure(name, "Alliance is not pending"), false
	}
	if _, err := p.store.FindAllianceProposal(ctx, actx.AgentID, alliance.ID); err != nil {
		return nil, failure(name, "Alliance proposal not found"), false
	}
	return alliance, Result{}, true
}

func (p *Processor) allyAccept(ctx context.Context, actx Ctx, a AllyAccept) Result {
	const name = "ALLY_ACCEPT"
	alliance, res, ok := p.loadPendingAlliance(ctx, actx, name, a.AllianceID)
	if !ok {
		return res
	}

	alliance.Status = types.AllianceActive
	if err := p.store.UpdateAlliance(ctx, alliance); err != nil {
		return failure(name, "Failed to update alliance")
	}

	actx.Agent.AllianceID = alliance.ID
	if err := p.store.UpdateAgent(ctx, actx.Agent); err != nil {
		return failure(name, "Failed to update agent")
	}
	if proposer, err := p.store.GetAgent(ctx, alliance.ProposerID); err == nil {
		proposer.AllianceID = alliance.ID
		_ = p.store.UpdateAgent(ctx, proposer)
	}

	p.notify(ctx, actx, alliance.ProposerID, fmt.Sprintf("Alliance Accepted (%s)", alliance.ID),
		fmt.Sprintf("%s accepted your alliance proposal.", actx.Agent.Name))

	return success(name, "Alliance accepted", map[string]any{
		"allianceId": alliance.ID,
		"partnerId":  alliance.ProposerID,
	})
}

func (p *Processor) allyReject(ctx context.Context, actx Ctx, a AllyReject) Result {
	const name = "ALLY_REJECT"
	alliance, res, ok := p.loadPendingAlliance(ctx, actx, name, a.AllianceID)
	if !ok {
		return res
	}

	reason := a.Reason
	if reason == "" {
		reason = "Proposal rejected"
	}
	alliance.Status = types.AllianceDissolved
	alliance.DissolutionReason = reason
	if err := p.store.UpdateAlliance(ctx, alliance); err != nil {
		return failure(name, "Failed to update alliance")
	}

	p.notify(ctx, actx, alliance.ProposerID, fmt.Sprintf("Alliance Rejected (%s)", alliance.ID),
		fmt.Sprintf("%s rejected your alliance proposal: %s", actx.Agent.Name, reason))

	return success(name, "Alliance rejected", map[string]any{
		"allianceId": alliance.ID,
		"proposerId": alliance.ProposerID,
	})
}

func (p *Processor) allyDissolve(ctx context.Context, actx Ctx, a AllyDissolve) Result {
	const name = "ALLY_DISSOLVE"
	alliance, err := p.store.GetAlliance(ctx, a.AllianceID)
	if err != nil {
		return failure(name, "Alliance not found")
	}
	if alliance.Status != types.AllianceActive {
		return failure(name, "Alliance is not active")
	}
	if alliance.ProposerID != actx.AgentID && alliance.PartnerID != actx.AgentID {
		return failure(name, "Not your alliance")
	}

	alliance.Status = types.AllianceDissolved
	alliance.DissolutionReason = fmt.Sprintf("Dissolved by %s", actx.Agent.Name)
	if err := p.store.UpdateAlliance(ctx, alliance); err != nil {
		return failure(name, "Failed to update alliance")
	}

	other := alliance.ProposerID
	if other == actx.AgentID {
		other = alliance.PartnerID
	}
	for _, id := range []string{actx.AgentID, other} {
		if agent, err := p.store.GetAgent(ctx, id); err == nil && agent.AllianceID == alliance.ID {
			agent.AllianceID = ""
			_ = p.store.UpdateAgent(ctx, agent)
		}
	}
	p.notify(ctx, actx, other, fmt.Sprintf("Alliance Dissolved (%s)", alliance.ID),
		fmt.Sprintf("%s dissolved the alliance.", actx.Agent.Name))

	return success(name, "Alliance dissolved", map[string]any{"allianceId": alliance.ID})
}

func (p *Processor) bribe(ctx context.Context, actx Ctx, a Bribe) Result {
	const name = "BRIBE"
	target, err := p.store.GetAgent(ctx, a.TargetAgentID)
	if err != nil {
		return failure(name, "Target agent not found")
	}
	if a.Amount.LessThanOrEqual(decimal.Zero) {
		return failure(name, "Invalid amount")
	}
	if actx.Agent.Cash.LessThan(a.Amount) {
		return failure(name, "Insufficient funds")
	}

	actx.Agent.Cash = actx.Agent.Cash.Sub(a.Amount)
	target.Cash = target.Cash.Add(a.Amount)
	if err := p.store.UpdateAgent(ctx, actx.Agent); err != nil {
		return failure(name, "Failed to transfer funds")
	}
	if err := p.store.UpdateAgent(ctx, target); err != nil {
		return failure(name, "Failed to transfer funds")
	}

	p.rngMu.Lock()
	caught := p.rng.Float64() < bribeInvestigationP
	p.rngMu.Unlock()
	if caught {
		inv := &types.Investigation{
			ID:            uuid.NewString(),
			TargetAgentID: actx.AgentID,
			Crime:         types.CrimeBribery,
			Status:        types.InvestigationOpen,
			TickOpened:    actx.Tick,
			CreatedAt:     time.Now(),
		}
		if err := p.store.CreateInvestigation(ctx, inv); err != nil {
			p.logger.Error("failed to open bribery investigation", "agent", actx.AgentID, "error", err)
		}
	}

	return success(name, "Bribe delivered", map[string]any{"amount": a.Amount.String()})
}

func (p *Processor) whistleblow(ctx context.Context, actx Ctx, a Whistleblow) Result {
	const name = "WHISTLEBLOW"
	if a.Evidence == "" {
		return failure(name, "Evidence required")
	}
	if _, err := p.store.GetAgent(ctx, a.TargetAgentID); err != nil {
		return failure(name, "Target agent not found")
	}

	inv := &types.Investigation{
		ID:            uuid.NewString(),
		TargetAgentID: a.TargetAgentID,
		Crime:         a.Crime,
		Status:        types.InvestigationOpen,
		TickOpened:    actx.Tick,
		CreatedAt:     time.Now(),
	}
	if err := p.store.CreateInvestigation(ctx, inv); err != nil {
		return failure(name, "Failed to open investigation")
	}

	actx.Agent.Reputation += 10
	if err := p.store.UpdateAgent(ctx, actx.Agent); err != nil {
		return failure(name, "Failed to update reputation")
	}

	return success(name, "Investigation opened", map[string]any{"investigationId": inv.ID})
}

func (p *Processor) flee(ctx context.Context, actx Ctx, a Flee) Result {
	const name = "FLEE"
	open, err := p.store.OpenInvestigations(ctx, actx.AgentID)
	if err != nil || len(open) == 0 {
		return failure(name, "No reason to flee")
	}

	destination := a.Destination
	if destination == "" {
		destination = defaultDestination
	}

	actx.Agent.Cash = actx.Agent.Cash.Sub(fleeCost)
	actx.Agent.Status = types.AgentFled
	if err := p.store.UpdateAgent(ctx, actx.Agent); err != nil {
		return failure(name, "Failed to update agent")
	}

	return success(name, "Fled the jurisdiction", map[string]any{"destination": destination})
}

func (p *Processor) notify(ctx context.Context, actx Ctx, recipientID, subject, content string) {
	msg := &types.Message{
		ID:          uuid.NewString(),
		Tick:        actx.Tick,
		SenderID:    actx.AgentID,
		RecipientID: recipientID,
		Channel:     types.ChannelAlliance,
		Subject:     subject,
		Content:     content,
		CreatedAt:   time.Now(),
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		p.logger.Error("failed to deliver notification", "recipient", recipientID, "error", err)
	}
}

// logAction writes the audit row. This is the only write path for the
// Action table.
func (p *Processor) logAction(ctx context.Context, actx Ctx, req Request, res Result) {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		resultJSON = []byte("{}")
	}
	rec := &types.ActionRecord{
		ID:            uuid.NewString(),
		Tick:          actx.Tick,
		AgentID:       actx.AgentID,
		ActionType:    req.Type,
		TargetSymbol:  req.Symbol,
		TargetAgentID: req.TargetAgentID,
		Payload:       req.Payload(),
		Result:        string(resultJSON),
		CreatedAt:     time.Now(),
	}
	if err := p.store.LogAction(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("failed to log action", "agent", actx.AgentID, "type", req.Type, "error", err)
	}
}
