package incident

import (
	"fmt"

	"incidentdesk.org/internal/org"
)

// Event is a lifecycle action.
type Event uint8

const (
	EventCreate Event = iota + 1
	EventAssignCrew
	EventUnassignCrew
	EventBeginWork
	EventSubmitResponse
	EventApprove
	EventReject
	EventRedirect
)

var eventNames = map[Event]string{
	EventCreate:         "create",
	EventAssignCrew:     "assign_crew",
	EventUnassignCrew:   "unassign_crew",
	EventBeginWork:      "begin_work",
	EventSubmitResponse: "submit_response",
	EventApprove:        "approve",
	EventReject:         "reject",
	EventRedirect:       "redirect",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Transition is one row of the lifecycle table. From is zero for create.
type Transition struct {
	From  Status
	Event Event
	To    Status
	Actor org.Kind
}

// Transitions is the complete lifecycle table. Reassigning or removing the
// crew of an incident that is already routed or further re-derives its status.
var Transitions = []Transition{
	{0, EventCreate, StatusPending, org.KindTerritorial},

	{StatusPending, EventAssignCrew, StatusRouted, org.KindDepartment},
	{StatusRouted, EventAssignCrew, StatusRouted, org.KindDepartment},
	{StatusInProgress, EventAssignCrew, StatusRouted, org.KindDepartment},
	{StatusCompleted, EventAssignCrew, StatusRouted, org.KindDepartment},
	{StatusRouted, EventUnassignCrew, StatusPending, org.KindDepartment},
	{StatusInProgress, EventUnassignCrew, StatusPending, org.KindDepartment},
	{StatusCompleted, EventUnassignCrew, StatusPending, org.KindDepartment},

	{StatusRouted, EventBeginWork, StatusInProgress, org.KindCrew},
	{StatusInProgress, EventSubmitResponse, StatusCompleted, org.KindCrew},
	{StatusCompleted, EventApprove, StatusApproved, org.KindTerritorial},

	{StatusPending, EventReject, StatusRejected, org.KindTerritorial},
	{StatusRouted, EventReject, StatusRejected, org.KindTerritorial},
	{StatusInProgress, EventReject, StatusRejected, org.KindTerritorial},
	{StatusCompleted, EventReject, StatusRejected, org.KindTerritorial},

	{StatusRejected, EventRedirect, StatusPending, org.KindTerritorial},
}

// Next returns the target status of ev from the given status.
func Next(from Status, ev Event) (Transition, bool) {
	for _, t := range Transitions {
		if t.From == from && t.Event == ev {
			return t, true
		}
	}
	return Transition{}, false
}

// ActorFor returns the role kind allowed to fire ev.
func ActorFor(ev Event) (org.Kind, bool) {
	for _, t := range Transitions {
		if t.Event == ev {
			return t.Actor, true
		}
	}
	return org.KindNone, false
}

// Allowed reports whether some row moves from one status to a different one.
func Allowed(from, to Status) bool {
	for _, t := range Transitions {
		if t.From == from && t.To == to && from != to {
			return true
		}
	}
	return false
}

// VerifyHistory checks that entries form one gap-free chain of table rows
// starting at pending, with non-decreasing timestamps.
func VerifyHistory(entries []LogEntry) error {
	prev := StatusPending
	for i, e := range entries {
		if e.From != prev {
			return fmt.Errorf("entry %d: from %s does not follow %s", i, e.From, prev)
		}
		if !Allowed(e.From, e.To) {
			return fmt.Errorf("entry %d: %s -> %s is not a lifecycle transition", i, e.From, e.To)
		}
		if i > 0 && e.At.Before(entries[i-1].At) {
			return fmt.Errorf("entry %d: timestamp goes backwards", i)
		}
		prev = e.To
	}
	return nil
}
