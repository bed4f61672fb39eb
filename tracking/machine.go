package tracking

import (
	"fmt"

	"github.com/TanatPinkeaw/RFID-Project/state"
)

const DefaultNeutralZone = 3

// Locations is the set of places readers are installed. One of them is the neutral zone
// that tags leave to and enter from.
type Locations struct {
	Neutral int            `yaml:"neutral_zone"`
	Names   map[int]string `yaml:"names"`
}

func DefaultLocations() Locations {
	return Locations{
		Neutral: DefaultNeutralZone,
		Names: map[int]string{
			1: "factory",
			2: "workshop",
			3: "outside area",
		},
	}
}

// Name is the display name of a location, falling back to its ID.
func (l Locations) Name(id int) string {
	if n, ok := l.Names[id]; ok {
		return n
	}
	return fmt.Sprintf("Location %d", id)
}

// Transition is a decided move of one tag.
type Transition struct {
	From   *int
	To     int
	Status string
	Event  string
}

// FirstSeen is the transition for a tag with no row yet: it enters wherever it was read.
func (l Locations) FirstSeen(sessionLocation int) Transition {
	status := state.TagStatusInUse
	if sessionLocation == l.Neutral {
		status = state.TagStatusIdle
	}
	return Transition{To: sessionLocation, Status: status, Event: state.EventEnter}
}

// Next decides what a read of tag by a reader at sessionLocation means. ok is false when
// the read changes nothing.
//
// A reader at a location toggles tags between it and the neutral zone: a tag already
// there is leaving, a tag in the neutral zone is arriving. A reader in the neutral zone
// pulls any tag into it.
func (l Locations) Next(tag *state.Tag, sessionLocation int) (t Transition, ok bool) {
	from := tag.CurrentLocationID
	if sessionLocation == l.Neutral {
		if tag.AtLocation(l.Neutral) {
			return Transition{}, false
		}
		return Transition{From: from, To: l.Neutral, Status: state.TagStatusIdle, Event: state.EventEnter}, true
	}
	switch {
	case tag.AtLocation(sessionLocation):
		return Transition{From: from, To: l.Neutral, Status: state.TagStatusIdle, Event: state.EventExit}, true
	case tag.AtLocation(l.Neutral):
		status := state.TagStatusInUse
		if tag.Status == state.TagStatusBorrowed {
			status = state.TagStatusBorrowed
		}
		return Transition{From: from, To: sessionLocation, Status: status, Event: state.EventEnter}, true
	}
	return Transition{}, false
}

// LeavesForNeutral is true when t takes a tag out of a real location into the neutral
// zone, whichever reader saw it go.
func (l Locations) LeavesForNeutral(t Transition) bool {
	return t.To == l.Neutral && t.From != nil && *t.From != l.Neutral
}
