package events

import (
	"context"
	"testing"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

func TestDispatcherFansOut(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var policyEvents []contracts.PolicyChangedEvent
	var proposalEvents []contracts.ProposalDecidedEvent
	d.OnPolicyChanged(func(ev contracts.PolicyChangedEvent) {
		policyEvents = append(policyEvents, ev)
	})
	d.OnPolicyChanged(func(ev contracts.PolicyChangedEvent) {
		policyEvents = append(policyEvents, ev)
	})
	d.OnProposalDecided(func(ev contracts.ProposalDecidedEvent) {
		proposalEvents = append(proposalEvents, ev)
	})

	d.PolicyChanged(ctx, contracts.PolicyChangedEvent{PolicyID: "P", NewVersion: 3})
	d.ProposalDecided(ctx, contracts.ProposalDecidedEvent{ProposalID: "prop-1", Action: contracts.ActionApprove})

	if len(policyEvents) != 2 {
		t.Errorf("policy handlers saw %d events, want 2", len(policyEvents))
	}
	if len(proposalEvents) != 1 || proposalEvents[0].ProposalID != "prop-1" {
		t.Errorf("proposal events = %+v", proposalEvents)
	}
}

func TestMultiForwardsToAll(t *testing.T) {
	d1 := NewDispatcher()
	d2 := NewDispatcher()

	var n int
	d1.OnPolicyChanged(func(contracts.PolicyChangedEvent) { n++ })
	d2.OnPolicyChanged(func(contracts.PolicyChangedEvent) { n++ })

	m := Multi{d1, d2}
	m.PolicyChanged(context.Background(), contracts.PolicyChangedEvent{PolicyID: "P", NewVersion: 1})

	if n != 2 {
		t.Errorf("multi emitted to %d subscribers, want 2", n)
	}
}
