package deal_flow_fsm

import (
	"github.com/depools/joinmix/fsm"
)

const (
	fsmName = "deal_flow_fsm"

	StateIdle          = fsm.State("state_idle") // bucket below threshold
	StateQuorumReached = fsm.State("state_quorum_reached")
	StateDealCreated   = fsm.State("state_deal_created")
	StateDealExecuted  = fsm.State("state_deal_executed")

	// Bucket frozen after an invariant violation; only operator
	// intervention may create a fresh machine.
	StateHalted = fsm.State("state_halted")

	EventQuorumReached = fsm.Event("event_quorum_reached")
	EventQuorumLost    = fsm.Event("event_quorum_lost")
	EventDealCreate    = fsm.Event("event_deal_create")
	EventDealExecute   = fsm.Event("event_deal_execute")
	EventCycleComplete = fsm.Event("event_cycle_complete")
	EventHalt          = fsm.Event("event_halt")
)

// DealFlowFSM tracks one amount bucket through the deal lifecycle:
// Idle -> QuorumReached -> DealCreated -> DealExecuted -> Idle, cycling
// once per deal.
type DealFlowFSM struct {
	*fsm.FSM
}

func New() *DealFlowFSM {
	machine := &DealFlowFSM{}

	machine.FSM = fsm.MustNewFSM(
		fsmName,
		StateIdle,
		[]fsm.EventDesc{
			{Name: EventQuorumReached, SrcState: []fsm.State{StateIdle}, DstState: StateQuorumReached},

			// A concurrent creation may consume the bucket between the
			// quorum check and the create.
			{Name: EventQuorumLost, SrcState: []fsm.State{StateQuorumReached}, DstState: StateIdle},

			{Name: EventDealCreate, SrcState: []fsm.State{StateQuorumReached}, DstState: StateDealCreated},
			{Name: EventDealExecute, SrcState: []fsm.State{StateDealCreated}, DstState: StateDealExecuted},
			{Name: EventCycleComplete, SrcState: []fsm.State{StateDealExecuted}, DstState: StateIdle},

			{Name: EventHalt, SrcState: []fsm.State{
				StateIdle, StateQuorumReached, StateDealCreated, StateDealExecuted,
			}, DstState: StateHalted},
		},
	)

	return machine
}
