/*
batch.go - Batch orchestration across triggering clients

PURPOSE:
  Drives the full per-event pipeline for a batch of (client, amount)
  pairs: resolve the node, walk the ancestor chain, resolve the tree's
  policy set, calculate allocations, persist them atomically with the
  originating request detail.

ISOLATION:
  Events run concurrently with bounded parallelism, but each event's
  outcome is independent: a fatal error on one client (broken tree
  reference, unresolvable policy) never aborts sibling clients. Callers
  get a per-event Outcome.

  Within a single event ancestor iteration is sequential - level and
  direct/indirect classification depend on chain position.

IDEMPOTENCY:
  Re-running a batch re-submits the same detail ids; the reward store
  rejects already-processed details with ErrDuplicateDetail, which the
  processor reports as an already-processed success rather than a
  failure.

SEE ALSO:
  - engine.go: Per-event calculation
  - store.go:  AppendAllocations atomicity contract
*/
package referral

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// EVENTS AND OUTCOMES
// =============================================================================

// Event is one (client, amount) pair in a reward request.
type Event struct {
	DetailID        string
	ClientID        ClientID
	AffiliateTypeID AffiliateTypeID
	Amount          decimal.Decimal
	Currency        string
}

// Outcome reports one event's result. Err is nil on success;
// AlreadyProcessed marks an idempotent re-run.
type Outcome struct {
	DetailID         string
	ClientID         ClientID
	Allocations      int
	AlreadyProcessed bool
	Err              error
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor orchestrates reward computation for batches of events.
type Processor struct {
	Tree     *Accessor
	Resolver *Resolver
	Engine   *Engine
	Rewards  RewardStore
	Logger   *zap.Logger

	// Concurrency bounds how many events run in parallel. <= 0 means
	// sequential.
	Concurrency int
}

func NewProcessor(tree *Accessor, resolver *Resolver, engine *Engine, rewards RewardStore, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		Tree:        tree,
		Resolver:    resolver,
		Engine:      engine,
		Rewards:     rewards,
		Logger:      logger,
		Concurrency: 16,
	}
}

// Process runs every event of one request and returns per-event outcomes
// in input order. Client lookups are memoized across the whole batch.
func (p *Processor) Process(ctx context.Context, requestID string, events []Event) []Outcome {
	outcomes := make([]Outcome, len(events))
	cache := NewClientCache(p.Engine.Clients)

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i := range events {
		i := i
		g.Go(func() error {
			outcomes[i] = p.processEvent(gctx, requestID, events[i], cache)
			return nil // event failures stay in the outcome
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *Processor) processEvent(ctx context.Context, requestID string, ev Event, cache *ClientCache) Outcome {
	out := Outcome{DetailID: ev.DetailID, ClientID: ev.ClientID}

	allocs, err := p.computeEvent(ctx, requestID, ev, cache)
	if err != nil {
		p.Logger.Warn("reward computation failed",
			zap.String("request", requestID),
			zap.String("detail", ev.DetailID),
			zap.String("client", string(ev.ClientID)),
			zap.Error(err))
		out.Err = err
		return out
	}

	detail := RequestDetail{
		ID:              ev.DetailID,
		RequestID:       requestID,
		ClientID:        ev.ClientID,
		AffiliateTypeID: ev.AffiliateTypeID,
		Amount:          ev.Amount,
		Currency:        ev.Currency,
		CreatedAt:       time.Now().UTC(),
	}
	if err := p.Rewards.AppendAllocations(ctx, detail, allocs); err != nil {
		if errors.Is(err, ErrDuplicateDetail) {
			out.AlreadyProcessed = true
			return out
		}
		out.Err = err
		return out
	}

	out.Allocations = len(allocs)
	return out
}

func (p *Processor) computeEvent(ctx context.Context, requestID string, ev Event, cache *ClientCache) ([]RewardAllocation, error) {
	node, err := p.Tree.Store.GetNodeByClient(ctx, ev.ClientID, ev.AffiliateTypeID)
	if err != nil {
		return nil, err
	}
	chain, err := p.Tree.AncestorChain(ctx, node)
	if err != nil {
		return nil, err
	}
	root := node
	if len(chain) > 0 {
		root = chain[len(chain)-1]
	}
	if !root.IsRoot() {
		return nil, &IntegrityError{NodeID: node.ID, MissingID: root.ID, Path: node.Path}
	}

	policies, err := p.Resolver.Resolve(ctx, root)
	if err != nil {
		return nil, err
	}

	return p.Engine.Calculate(ctx, CalcRequest{
		RequestID: requestID,
		DetailID:  ev.DetailID,
		ClientID:  ev.ClientID,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
		Chain:     chain,
		Policies:  policies,
	}, cache)
}
