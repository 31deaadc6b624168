// Package actions validates and applies every agent action: trading,
// messaging, alliances, bribery, whistleblowing, and flight.
//
// Actions are a closed sum — one variant per action type, decoded from the
// wire by Decode, dispatched by Processor.Process. Validation that needs
// no state lives in Decode; stateful preconditions live with each
// variant's application.
package actions

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

// Request is the wire shape of one submitted action. Fields are a union
// over all action types; Decode picks the ones each type needs.
type Request struct {
	Type          string           `json:"type"`
	Symbol        string           `json:"symbol,omitempty"`
	Quantity      int64            `json:"quantity,omitempty"`
	OrderType     string           `json:"orderType,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	OrderID       string           `json:"orderId,omitempty"`
	TargetAgentID string           `json:"targetAgentId,omitempty"`
	AllianceID    string           `json:"allianceId,omitempty"`
	Amount        decimal.Decimal  `json:"amount,omitempty"`
	Content       string           `json:"content,omitempty"`
	Subject       string           `json:"subject,omitempty"`
	Evidence      string           `json:"evidence,omitempty"`
	Crime         string           `json:"crimeType,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Destination   string           `json:"destination,omitempty"`
}

// Payload renders the request for the audit trail.
func (r Request) Payload() string {
	data, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Result is the outcome of one processed action.
type Result struct {
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func failure(action, message string) Result {
	return Result{Action: action, Success: false, Message: message}
}

func success(action, message string, data map[string]any) Result {
	return Result{Action: action, Success: true, Message: message, Data: data}
}

// Action is the closed sum of everything an agent can do.
type Action interface {
	ActionType() string
	isAction()
}

// tradeAction is the shared shape of BUY, SELL, SHORT and COVER.
type tradeAction struct {
	Symbol    string
	Quantity  int64
	OrderType types.OrderType
	Price     decimal.Decimal
}

// Buy opens or extends a long position.
type Buy struct{ tradeAction }

// Sell reduces a long position.
type Sell struct{ tradeAction }

// Short is a sell that does not require long inventory.
type Short struct{ tradeAction }

// Cover is a buy that reduces a short position.
type Cover struct{ tradeAction }

// CancelOrder cancels one of the agent's own open orders.
type CancelOrder struct{ OrderID string }

// Rumor plants a news article, at a reputation cost.
type Rumor struct {
	Symbol  string
	Content string
}

// SendMessage delivers direct mail to another agent.
type SendMessage struct {
	RecipientID string
	Subject     string
	Content     string
}

// Ally proposes an alliance.
type Ally struct{ TargetAgentID string }

// AllyAccept accepts a pending alliance proposal.
type AllyAccept struct{ AllianceID string }

// AllyReject rejects a pending alliance proposal.
type AllyReject struct {
	AllianceID string
	Reason     string
}

// AllyDissolve dissolves an active alliance.
type AllyDissolve struct{ AllianceID string }

// Bribe transfers cash to another agent, at risk of investigation.
type Bribe struct {
	TargetAgentID string
	Amount        decimal.Decimal
}

// Whistleblow opens an investigation against another agent.
type Whistleblow struct {
	TargetAgentID string
	Crime         types.CrimeType
	Evidence      string
}

// Flee leaves the jurisdiction ahead of an investigation.
type Flee struct{ Destination string }

func (Buy) ActionType() string          { return "BUY" }
func (Sell) ActionType() string         { return "SELL" }
func (Short) ActionType() string        { return "SHORT" }
func (Cover) ActionType() string        { return "COVER" }
func (CancelOrder) ActionType() string  { return "CANCEL_ORDER" }
func (Rumor) ActionType() string        { return "RUMOR" }
func (SendMessage) ActionType() string  { return "MESSAGE" }
func (Ally) ActionType() string         { return "ALLY" }
func (AllyAccept) ActionType() string   { return "ALLY_ACCEPT" }
func (AllyReject) ActionType() string   { return "ALLY_REJECT" }
func (AllyDissolve) ActionType() string { return "ALLY_DISSOLVE" }
func (Bribe) ActionType() string        { return "BRIBE" }
func (Whistleblow) ActionType() string  { return "WHISTLEBLOW" }
func (Flee) ActionType() string         { return "FLEE" }

func (Buy) isAction()          {}
func (Sell) isAction()         {}
func (Short) isAction()        {}
func (Cover) isAction()        {}
func (CancelOrder) isAction()  {}
func (Rumor) isAction()        {}
func (SendMessage) isAction()  {}
func (Ally) isAction()         {}
func (AllyAccept) isAction()   {}
func (AllyReject) isAction()   {}
func (AllyDissolve) isAction() {}
func (Bribe) isAction()        {}
func (Whistleblow) isAction()  {}
func (Flee) isAction()         {}

// ErrUnknownType is returned by Decode for unrecognized action types.
var ErrUnknownType = fmt.Errorf("Unknown action type")

// Decode turns a wire request into its typed variant. Only shape is
// checked here; stateful preconditions are checked at application time.
func Decode(req Request) (Action, error) {
	switch req.Type {
	case "BUY":
		t, err := decodeTrade(req)
		return Buy{t}, err
	case "SELL":
		t, err := decodeTrade(req)
		return Sell{t}, err
	case "SHORT":
		t, err := decodeTrade(req)
		return Short{t}, err
	case "COVER":
		t, err := decodeTrade(req)
		return Cover{t}, err
	case "CANCEL_ORDER":
		return CancelOrder{OrderID: req.OrderID}, nil
	case "RUMOR":
		return Rumor{Symbol: req.Symbol, Content: req.Content}, nil
	case "MESSAGE":
		return SendMessage{RecipientID: req.TargetAgentID, Subject: req.Subject, Content: req.Content}, nil
	case "ALLY":
		return Ally{TargetAgentID: req.TargetAgentID}, nil
	case "ALLY_ACCEPT":
		return AllyAccept{AllianceID: req.AllianceID}, nil
	case "ALLY_REJECT":
		return AllyReject{AllianceID: req.AllianceID, Reason: req.Reason}, nil
	case "ALLY_DISSOLVE":
		return AllyDissolve{AllianceID: req.AllianceID}, nil
	case "BRIBE":
		return Bribe{TargetAgentID: req.TargetAgentID, Amount: req.Amount}, nil
	case "WHISTLEBLOW":
		crime := types.CrimeType(req.Crime)
		if crime == "" {
			crime = types.CrimeMarketManipulation
		}
		return Whistleblow{TargetAgentID: req.TargetAgentID, Crime: crime, Evidence: req.Evidence}, nil
	case "FLEE":
		return Flee{Destination: req.Destination}, nil
	default:
		return nil, ErrUnknownType
	}
}

func decodeTrade(req Request) (tradeAction, error) {
	t := tradeAction{
		Symbol:    req.Symbol,
		Quantity:  req.Quantity,
		OrderType: types.MARKET,
	}
	if req.OrderType != "" {
		t.OrderType = types.OrderType(req.OrderType)
	}
	if req.Price != nil {
		t.Price = *req.Price
	}
	return t, nil
}
