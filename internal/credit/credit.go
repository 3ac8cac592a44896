// Package credit guards and accounts for the monetary cost of AI usage.
// Balance reads fail open (availability-first); every mutation goes through
// the store's atomic procedures and fails closed (revenue-first).
package credit

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/identity"
)

type Balance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Floor   int64  `json:"floor"`
}

// Sufficient reports whether the balance clears the floor.
func (b Balance) Sufficient() bool {
	return b.Balance >= b.Floor
}

type GrantType string

const (
	GrantSubscription GrantType = "subscription"
	GrantPurchase     GrantType = "purchase"
	GrantPromo        GrantType = "promo"
	GrantRefund       GrantType = "refund"
	GrantAdjustment   GrantType = "adjustment"
)

type DeductResult struct {
	Success        bool   `json:"success"`
	NewBalance     int64  `json:"new_balance"`
	AmountDeducted int64  `json:"amount_deducted"`
	// Duplicate is true when the idempotency key was already applied and
	// the stored result was replayed instead of charging again.
	Duplicate bool   `json:"duplicate,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

type DeductOptions struct {
	TraceID        string
	IdempotencyKey string
}

// CostEstimate is the output of the pricing policy. Estimated marks costs
// derived from character counts rather than exact provider usage counters.
type CostEstimate struct {
	Credits    int64   `json:"credits"`
	CostUSD    float64 `json:"cost_usd"`
	Tier       string  `json:"tier,omitempty"`
	Profitable bool    `json:"profitable"`
	Estimated  bool    `json:"estimated"`
	Reason     string  `json:"reason"`
}

type InsufficientCreditsError struct {
	UserID   string
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: have %d, need %d", e.UserID, e.Balance, e.Required)
}

// LedgerUnavailableError wraps a store failure during a mutation. The paid
// action must not proceed when this is returned.
type LedgerUnavailableError struct {
	Op  string
	Err error
}

func (e *LedgerUnavailableError) Error() string {
	return fmt.Sprintf("credit ledger unavailable during %s: %v", e.Op, e.Err)
}

func (e *LedgerUnavailableError) Unwrap() error { return e.Err }

// Store is the persistence boundary. Each mutating method maps onto one
// atomic procedure in the relational store.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Deduct(ctx context.Context, userID string, amount int64, description, traceID, idempotencyKey string) (*DeductResult, error)
	Grant(ctx context.Context, userID string, amount int64, grantType GrantType, description, traceID string) (int64, error)
}

// IsExempt reports whether an identity bypasses billing entirely. The
// entitlement gate keys off the same predicate.
func IsExempt(userID string) bool {
	return identity.IsExempt(userID)
}

const exemptBalance = math.MaxInt32

type Ledger struct {
	store   Store
	pricing Pricing
	// failOpenBalance is handed out when the store cannot be read, so an
	// outage degrades billing enforcement instead of blocking every user.
	failOpenBalance int64
	defaultFloor    int64
}

func NewLedger(store Store, pricing Pricing, failOpenBalance, defaultFloor int64) *Ledger {
	if failOpenBalance <= 0 {
		failOpenBalance = 25
	}
	if defaultFloor <= 0 {
		defaultFloor = 1
	}
	return &Ledger{
		store:           store,
		pricing:         pricing,
		failOpenBalance: failOpenBalance,
		defaultFloor:    defaultFloor,
	}
}

// CheckBalance reads the current balance. System and anonymous identities
// are treated as unlimited. A store failure fails open with a small default
// balance; reads are advisory, the deduct procedure re-checks sufficiency.
func (l *Ledger) CheckBalance(ctx context.Context, userID string) (*Balance, error) {
	if IsExempt(userID) {
		return &Balance{UserID: userID, Balance: exemptBalance, Floor: 0}, nil
	}

	b, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		log.Printf("credit: balance read failed for %s, failing open with %d credits: %v", userID, l.failOpenBalance, err)
		return &Balance{UserID: userID, Balance: l.failOpenBalance, Floor: l.defaultFloor}, nil
	}
	if b.Floor < l.defaultFloor {
		b.Floor = l.defaultFloor
	}
	return b, nil
}

// EnforceFloor re-reads the balance and rejects when it cannot cover the
// required amount. Call immediately before dispatch; balances move between
// requests, so a cached read is not acceptable here.
func (l *Ledger) EnforceFloor(ctx context.Context, userID string, required int64) error {
	b, err := l.CheckBalance(ctx, userID)
	if err != nil {
		return err
	}
	if required < b.Floor {
		required = b.Floor
	}
	if b.Balance < required {
		return &InsufficientCreditsError{UserID: userID, Balance: b.Balance, Required: required}
	}
	return nil
}

// Deduct runs the atomic deduct procedure. Replaying the same idempotency
// key returns the original result without charging twice. Store failure
// fails closed.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, description string, opts DeductOptions) (*DeductResult, error) {
	if IsExempt(userID) {
		return &DeductResult{Success: true, NewBalance: exemptBalance, TraceID: opts.TraceID}, nil
	}
	if amount <= 0 {
		return nil, fmt.Errorf("credit: deduct amount must be positive, got %d", amount)
	}

	res, err := l.store.Deduct(ctx, userID, amount, description, opts.TraceID, opts.IdempotencyKey)
	if err != nil {
		return nil, &LedgerUnavailableError{Op: "deduct", Err: err}
	}
	res.TraceID = opts.TraceID
	if !res.Success {
		return res, &InsufficientCreditsError{UserID: userID, Balance: res.NewBalance, Required: amount}
	}
	return res, nil
}

// Refund adds credits back after a dispatched call failed or was abandoned
// post-deduction. Refunds only ever add.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, description, traceID string) error {
	if IsExempt(userID) || amount <= 0 {
		return nil
	}
	_, err := l.store.Grant(ctx, userID, amount, GrantRefund, description, traceID)
	if err != nil {
		return &LedgerUnavailableError{Op: "refund", Err: err}
	}
	return nil
}

// Grant adds credits: subscription allocations, purchases, promos, manual
// adjustments.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, grantType GrantType, description string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit: grant amount must be positive, got %d", amount)
	}
	newBalance, err := l.store.Grant(ctx, userID, amount, grantType, description, "")
	if err != nil {
		return 0, &LedgerUnavailableError{Op: "grant", Err: err}
	}
	return newBalance, nil
}

// EstimateCallCost prices a call before dispatch from the prompt size.
func (l *Ledger) EstimateCallCost(providerName, model string, promptChars int, tier string) CostEstimate {
	return l.pricing.Estimate(providerName, model, promptChars, tier)
}

// CostFromTokens prices a call after dispatch from actual token usage.
func (l *Ledger) CostFromTokens(providerName, model string, inputTokens, outputTokens int, exact bool) CostEstimate {
	return l.pricing.FromTokens(providerName, model, inputTokens, outputTokens, exact)
}
