package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/flowguard/internal/policy"
)

var (
	// ErrFlowExists is returned when creating a flow that already runs.
	ErrFlowExists = errors.New("ledger: flow already exists")
	// ErrNoFlow is returned when updating or deleting a missing flow.
	ErrNoFlow = errors.New("ledger: flow does not exist")
	// ErrInvalidRate is returned for a non-positive flow rate.
	ErrInvalidRate = errors.New("ledger: flow rate must be positive")
	// ErrCallbackRejected wraps a handler error that reverted a flow change.
	ErrCallbackRejected = errors.New("ledger: callback rejected flow change")
)

// Simulator is an in-process streaming ledger with one receiver, the
// engine. Flow changes invoke the attached Handler the way a real ledger
// invokes its agreement callbacks: a failing created/updated callback
// reverts the change, while termination always goes through.
type Simulator struct {
	mu      sync.Mutex
	flows   map[policy.Account]policy.Rate
	handler Handler
	logger  *slog.Logger
}

var _ Gateway = (*Simulator)(nil)

// NewSimulator returns a ledger with no flows.
func NewSimulator(logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		flows:  make(map[policy.Account]policy.Rate),
		logger: logger,
	}
}

// Attach sets the callback handler. Flow changes before Attach are not
// delivered anywhere.
func (s *Simulator) Attach(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// NetFlowRate implements Gateway.
func (s *Simulator) NetFlowRate(_ context.Context, account policy.Account) (policy.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flows[account], nil
}

// Senders returns every account with an open flow, ascending.
func (s *Simulator) Senders() []policy.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]policy.Account, 0, len(s.flows))
	for a := range s.flows {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// CreateFlow opens a flow from sender to the engine.
func (s *Simulator) CreateFlow(ctx context.Context, sender policy.Account, rate policy.Rate) error {
	if rate <= 0 {
		return ErrInvalidRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[sender]; ok {
		return fmt.Errorf("%w: %s", ErrFlowExists, sender)
	}
	s.flows[sender] = rate
	if err := s.deliver(ctx, Notification{Kind: Created, Payer: sender, FlowRate: rate}); err != nil {
		delete(s.flows, sender)
		return err
	}
	return nil
}

// UpdateFlow changes the rate of an open flow.
func (s *Simulator) UpdateFlow(ctx context.Context, sender policy.Account, rate policy.Rate) error {
	if rate <= 0 {
		return ErrInvalidRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.flows[sender]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoFlow, sender)
	}
	s.flows[sender] = rate
	if err := s.deliver(ctx, Notification{Kind: Updated, Payer: sender, FlowRate: rate}); err != nil {
		s.flows[sender] = prev
		return err
	}
	return nil
}

// DeleteFlow closes a flow. The handler's outcome cannot block it.
func (s *Simulator) DeleteFlow(ctx context.Context, sender policy.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[sender]; !ok {
		return fmt.Errorf("%w: %s", ErrNoFlow, sender)
	}
	delete(s.flows, sender)
	s.terminate(ctx, sender)
	return nil
}

// Liquidate closes a flow whose sender ran out of funds. Unlike DeleteFlow
// it is not an error when no flow exists; the termination callback is
// still sent.
func (s *Simulator) Liquidate(ctx context.Context, sender policy.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flows, sender)
	s.logger.Info("ledger liquidation", "sender", sender)
	s.terminate(ctx, sender)
}

// terminate delivers Terminated. A handler error here violates the
// handler contract; it is logged and the ledger proceeds regardless.
func (s *Simulator) terminate(ctx context.Context, sender policy.Account) {
	if err := s.deliver(ctx, Notification{Kind: Terminated, Payer: sender}); err != nil {
		s.logger.Error("termination callback failed", "sender", sender, "error", err)
	}
}

// deliver runs the handler. Caller holds s.mu.
func (s *Simulator) deliver(ctx context.Context, n Notification) error {
	if s.handler == nil {
		return nil
	}
	if err := s.handler.HandleNotification(ctx, n); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrCallbackRejected, n.Kind, n.Payer, err)
	}
	return nil
}
