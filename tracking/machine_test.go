package tracking

import (
	"testing"

	"github.com/TanatPinkeaw/RFID-Project/state"
)

func at(loc int, status string) *state.Tag {
	return &state.Tag{TagID: "T", CurrentLocationID: &loc, Status: status}
}

func TestMachineNext(t *testing.T) {
	locs := DefaultLocations()
	testCases := []struct {
		name       string
		tag        *state.Tag
		session    int
		wantOK     bool
		wantTo     int
		wantStatus string
		wantEvent  string
	}{
		{"tag leaves the factory", at(1, state.TagStatusInUse), 1, true, 3, state.TagStatusIdle, state.EventExit},
		{"tag enters the factory", at(3, state.TagStatusIdle), 1, true, 1, state.TagStatusInUse, state.EventEnter},
		{"borrowed tag keeps its status", at(3, state.TagStatusBorrowed), 2, true, 2, state.TagStatusBorrowed, state.EventEnter},
		{"borrowed tag leaving becomes idle", at(2, state.TagStatusBorrowed), 2, true, 3, state.TagStatusIdle, state.EventExit},
		{"tag at another location is ignored", at(2, state.TagStatusInUse), 1, false, 0, "", ""},
		{"tag with no location is ignored by a location reader", &state.Tag{TagID: "T"}, 1, false, 0, "", ""},
		{"neutral reader pulls a tag in", at(1, state.TagStatusInUse), 3, true, 3, state.TagStatusIdle, state.EventEnter},
		{"neutral reader pulls a placeless tag in", &state.Tag{TagID: "T"}, 3, true, 3, state.TagStatusIdle, state.EventEnter},
		{"neutral reader ignores a neutral tag", at(3, state.TagStatusIdle), 3, false, 0, "", ""},
	}
	for _, tc := range testCases {
		got, ok := locs.Next(tc.tag, tc.session)
		if ok != tc.wantOK {
			t.Errorf("%s: ok got %v want %v", tc.name, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if got.To != tc.wantTo || got.Status != tc.wantStatus || got.Event != tc.wantEvent {
			t.Errorf("%s: got %+v want to=%d status=%s event=%s", tc.name, got, tc.wantTo, tc.wantStatus, tc.wantEvent)
		}
		if tc.tag.CurrentLocationID == nil {
			if got.From != nil {
				t.Errorf("%s: from got %d want nil", tc.name, *got.From)
			}
		} else if got.From == nil || *got.From != *tc.tag.CurrentLocationID {
			t.Errorf("%s: from got %v want %d", tc.name, got.From, *tc.tag.CurrentLocationID)
		}
	}
}

func TestMachineFirstSeen(t *testing.T) {
	locs := DefaultLocations()
	tr := locs.FirstSeen(1)
	if tr.From != nil || tr.To != 1 || tr.Status != state.TagStatusInUse || tr.Event != state.EventEnter {
		t.Errorf("first seen at 1 got %+v", tr)
	}
	tr = locs.FirstSeen(3)
	if tr.Status != state.TagStatusIdle {
		t.Errorf("first seen in the neutral zone got status %s want idle", tr.Status)
	}
}

func TestMachineCustomNeutralZone(t *testing.T) {
	locs := Locations{Neutral: 9}
	got, ok := locs.Next(at(9, state.TagStatusIdle), 4)
	if !ok || got.To != 4 || got.Event != state.EventEnter {
		t.Errorf("enter from custom neutral got %+v ok=%v", got, ok)
	}
	if name := locs.Name(4); name != "Location 4" {
		t.Errorf("unnamed location got %q", name)
	}
}

func TestMachineLeavesForNeutral(t *testing.T) {
	locs := DefaultLocations()
	exit, _ := locs.Next(at(1, state.TagStatusInUse), 1)
	pulled, _ := locs.Next(at(2, state.TagStatusInUse), 3)
	placeless, _ := locs.Next(&state.Tag{TagID: "T"}, 3)
	enter, _ := locs.Next(at(3, state.TagStatusIdle), 1)
	if !locs.LeavesForNeutral(exit) || !locs.LeavesForNeutral(pulled) {
		t.Errorf("moves out of a location into the neutral zone should count")
	}
	if locs.LeavesForNeutral(placeless) || locs.LeavesForNeutral(enter) || locs.LeavesForNeutral(locs.FirstSeen(3)) {
		t.Errorf("moves without a real origin should not count")
	}
}
