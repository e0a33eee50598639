// Package events publishes policy-changed and proposal-decided
// notifications to external subscribers. Subscriber implementations are
// out of scope; the pipeline only guarantees that every pointer move and
// every terminal disposition produces exactly one event.
package events

import (
	"context"
	"sync"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// Emitter publishes pipeline events. Emission is best-effort and
// asynchronous with respect to the transition that caused it: a failed
// emit never rolls back a committed transition, it is logged and dropped.
type Emitter interface {
	PolicyChanged(ctx context.Context, ev contracts.PolicyChangedEvent)
	ProposalDecided(ctx context.Context, ev contracts.ProposalDecidedEvent)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) PolicyChanged(context.Context, contracts.PolicyChangedEvent) {}

func (NopEmitter) ProposalDecided(context.Context, contracts.ProposalDecidedEvent) {}

// PolicyChangedHandler consumes policy-changed events in process.
type PolicyChangedHandler func(contracts.PolicyChangedEvent)

// ProposalDecidedHandler consumes proposal-decided events in process.
type ProposalDecidedHandler func(contracts.ProposalDecidedEvent)

// Dispatcher fans events out to in-process subscribers. Handlers run
// synchronously in registration order; they must not block.
type Dispatcher struct {
	mu       sync.RWMutex
	policy   []PolicyChangedHandler
	proposal []ProposalDecidedHandler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// OnPolicyChanged registers a policy-changed subscriber.
func (d *Dispatcher) OnPolicyChanged(h PolicyChangedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policy = append(d.policy, h)
}

// OnProposalDecided registers a proposal-decided subscriber.
func (d *Dispatcher) OnProposalDecided(h ProposalDecidedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proposal = append(d.proposal, h)
}

func (d *Dispatcher) PolicyChanged(ctx context.Context, ev contracts.PolicyChangedEvent) {
	d.mu.RLock()
	handlers := d.policy
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (d *Dispatcher) ProposalDecided(ctx context.Context, ev contracts.ProposalDecidedEvent) {
	d.mu.RLock()
	handlers := d.proposal
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Multi fans one event out to several emitters (e.g. the in-process
// dispatcher plus Redis).
type Multi []Emitter

func (m Multi) PolicyChanged(ctx context.Context, ev contracts.PolicyChangedEvent) {
	for _, e := range m {
		e.PolicyChanged(ctx, ev)
	}
}

func (m Multi) ProposalDecided(ctx context.Context, ev contracts.ProposalDecidedEvent) {
	for _, e := range m {
		e.ProposalDecided(ctx, ev)
	}
}
