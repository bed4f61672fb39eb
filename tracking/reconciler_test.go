package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/TanatPinkeaw/RFID-Project/pubsub"
	"github.com/TanatPinkeaw/RFID-Project/scanner"
	"github.com/TanatPinkeaw/RFID-Project/state"
)

type fakeStore struct {
	mu          sync.Mutex
	tags        map[string]*state.Tag
	transitions []state.Transition
	touched     []string
	failTag     map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tags: make(map[string]*state.Tag), failTag: make(map[string]error)}
}

func (s *fakeStore) Tag(ctx context.Context, tagID string) (*state.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failTag[tagID]; err != nil {
		return nil, err
	}
	t, ok := s.tags[tagID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) ApplyTransition(ctx context.Context, t state.Transition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[t.TagID]
	if !ok {
		tag = &state.Tag{TagID: t.TagID, FirstSeen: t.At}
		s.tags[t.TagID] = tag
	}
	to := t.To
	tag.CurrentLocationID = &to
	tag.Status = t.Status
	tag.DeviceID = t.DeviceID
	tag.LastSeen = t.At
	s.transitions = append(s.transitions, t)
	return int64(len(s.transitions)), nil
}

func (s *fakeStore) TouchTags(ctx context.Context, tagIDs []string, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, tagIDs...)
	return nil
}

type dispatchCall struct {
	tagID        string
	to           int
	event        string
	unauthorized bool
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *fakeDispatcher) Movement(ctx context.Context, tagID string, from *int, to int, event, deviceID string) (*int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{tagID: tagID, to: to, event: event})
	id := int64(len(d.calls))
	return &id, nil
}

func (d *fakeDispatcher) UnauthorizedMovement(ctx context.Context, tagID string, to int) (*int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{tagID: tagID, to: to, unauthorized: true})
	id := int64(len(d.calls))
	return &id, nil
}

func (d *fakeDispatcher) unauthorizedCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.unauthorized {
			n++
		}
	}
	return n
}

func newTestReconciler(loc int, delay time.Duration) (*Reconciler, *fakeStore, *fakeDispatcher, *pubsub.Recorder) {
	store := newFakeStore()
	disp := &fakeDispatcher{}
	rec := &pubsub.Recorder{}
	r := NewReconciler(Config{
		DeviceID:         "S1",
		LocationID:       loc,
		Delay:            delay,
		DBUpdateInterval: 10 * time.Millisecond,
	}, DefaultLocations(), store, disp, rec, nil, nil)
	return r, store, disp, rec
}

func TestReconcilerTagLifecycle(t *testing.T) {
	ctx := context.Background()
	r, store, disp, rec := newTestReconciler(1, 20*time.Second)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	t.Log("A never seen tag read at the factory enters it.")
	if n := r.ProcessBatch(ctx, []string{"E2001122"}, clock); n != 1 {
		t.Fatalf("processed got %d want 1", n)
	}
	tag := store.tags["E2001122"]
	if !tag.AtLocation(1) || tag.Status != state.TagStatusInUse {
		t.Fatalf("after first read got %+v", tag)
	}
	if len(store.transitions) != 1 || store.transitions[0].EventType != state.EventEnter || store.transitions[0].From != nil {
		t.Fatalf("first transition got %+v", store.transitions)
	}

	t.Log("Reading it again within the delay only touches last_seen.")
	clock = clock.Add(5 * time.Second)
	if n := r.ProcessBatch(ctx, []string{"E2001122", "E2001122"}, clock); n != 0 {
		t.Fatalf("debounced batch processed %d tags", n)
	}
	if len(store.transitions) != 1 {
		t.Fatalf("debounced read caused a transition: %+v", store.transitions)
	}
	if len(store.touched) != 1 || store.touched[0] != "E2001122" {
		t.Fatalf("debounced read touched %v", store.touched)
	}

	t.Log("After the delay the same reader sees it leaving to the neutral zone.")
	clock = clock.Add(20 * time.Second)
	r.ProcessBatch(ctx, []string{"E2001122"}, clock)
	if len(store.transitions) != 2 {
		t.Fatalf("got %d transitions want 2", len(store.transitions))
	}
	exit := store.transitions[1]
	if exit.EventType != state.EventExit || exit.To != DefaultNeutralZone || exit.From == nil || *exit.From != 1 || exit.Status != state.TagStatusIdle {
		t.Fatalf("exit transition got %+v", exit)
	}
	if disp.unauthorizedCalls() != 1 {
		t.Errorf("unauthorized exit raised %d alerts want 1", disp.unauthorizedCalls())
	}

	t.Log("And back in again once the delay passes a second time.")
	clock = clock.Add(21 * time.Second)
	r.ProcessBatch(ctx, []string{"E2001122"}, clock)
	if tag := store.tags["E2001122"]; !tag.AtLocation(1) || tag.Status != state.TagStatusInUse {
		t.Fatalf("re-entry got %+v", tag)
	}

	if got := len(rec.OfType(pubsub.TypeTagUpdate)); got != 3 {
		t.Errorf("tag updates got %d want 3", got)
	}
	moves := rec.OfType(pubsub.TypeMovementUpdate)
	if len(moves) != 3 {
		t.Fatalf("movement updates got %d want 3", len(moves))
	}
	if mu := moves[1].(*pubsub.MovementUpdate); mu.MovementID != 2 || mu.EventType != state.EventExit {
		t.Errorf("second movement update got %+v", mu)
	}
}

func TestReconcilerWithoutNotifier(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := NewReconciler(Config{DeviceID: "S1", LocationID: 1}, DefaultLocations(), store, &fakeDispatcher{}, nil, nil, nil)
	r.Handle(ctx, scanner.Result{Kind: scanner.ResultBatch, Tags: []string{"E2001122"}, Timestamp: time.Now()})
	if tag := store.tags["E2001122"]; tag == nil || !tag.AtLocation(1) {
		t.Fatalf("tag got %+v", tag)
	}
}

func TestReconcilerHistoryShared(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	hist := NewHistory()
	cfg := Config{DeviceID: "S1", LocationID: 1, Delay: 20 * time.Second, History: hist}
	first := NewReconciler(cfg, DefaultLocations(), store, &fakeDispatcher{}, nil, nil, nil)
	first.ProcessBatch(ctx, []string{"E2001122"}, time.Now())

	t.Log("A reconciler built on the same history keeps debouncing the tag.")
	second := NewReconciler(cfg, DefaultLocations(), store, &fakeDispatcher{}, nil, nil, nil)
	if n := second.ProcessBatch(ctx, []string{"E2001122"}, time.Now()); n != 0 {
		t.Fatalf("second reconciler processed %d tags", n)
	}
	if len(store.transitions) != 1 {
		t.Errorf("transitions got %+v", store.transitions)
	}
}

func TestReconcilerAuthorizedExitNoAlert(t *testing.T) {
	ctx := context.Background()
	r, store, disp, _ := newTestReconciler(1, 0)
	one := 1
	store.tags["E2AAAA"] = &state.Tag{TagID: "E2AAAA", CurrentLocationID: &one, Status: state.TagStatusInUse, Authorized: true}
	r.ProcessBatch(ctx, []string{"E2AAAA"}, time.Now())
	if len(store.transitions) != 1 || store.transitions[0].EventType != state.EventExit {
		t.Fatalf("transitions got %+v", store.transitions)
	}
	if disp.unauthorizedCalls() != 0 {
		t.Errorf("authorized tag raised an alert")
	}
}

func TestReconcilerNeutralReaderAlerts(t *testing.T) {
	ctx := context.Background()
	r, store, disp, _ := newTestReconciler(3, 0)
	one, three := 1, 3
	store.tags["E2DDDD"] = &state.Tag{TagID: "E2DDDD", CurrentLocationID: &one, Status: state.TagStatusInUse}
	store.tags["E2EEEE"] = &state.Tag{TagID: "E2EEEE", CurrentLocationID: &one, Status: state.TagStatusInUse, Authorized: true}
	store.tags["E2FFFF"] = &state.Tag{TagID: "E2FFFF", CurrentLocationID: &three, Status: state.TagStatusIdle}

	t.Log("An unauthorized tag pulled into the neutral zone by its own reader raises the alert too.")
	r.ProcessBatch(ctx, []string{"E2DDDD", "E2EEEE", "E2FFFF"}, time.Now())
	if len(store.transitions) != 2 {
		t.Fatalf("transitions got %+v", store.transitions)
	}
	for _, tr := range store.transitions {
		if tr.EventType != state.EventEnter || tr.To != 3 {
			t.Errorf("neutral reader transition got %+v", tr)
		}
	}
	if n := disp.unauthorizedCalls(); n != 1 {
		t.Errorf("unauthorized alerts got %d want 1", n)
	}
}

func TestReconcilerAssetUpdate(t *testing.T) {
	ctx := context.Background()
	r, store, _, rec := newTestReconciler(3, 0)
	one := 1
	asset := int64(42)
	store.tags["E2BBBB"] = &state.Tag{TagID: "E2BBBB", CurrentLocationID: &one, Status: state.TagStatusInUse, AssetID: &asset}
	store.tags["E2CCCC"] = &state.Tag{TagID: "E2CCCC", CurrentLocationID: &one, Status: state.TagStatusInUse}

	t.Log("Only the tag bound to an asset produces an asset_update.")
	r.ProcessBatch(ctx, []string{"E2BBBB", "E2CCCC"}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	updates := rec.OfType(pubsub.TypeAssetUpdate)
	if len(updates) != 1 {
		t.Fatalf("asset updates got %d want 1", len(updates))
	}
	au := updates[0].(*pubsub.AssetUpdate)
	if au.AssetID != 42 || au.TagID != "E2BBBB" || au.Action != pubsub.AssetActionMoved {
		t.Errorf("asset update got %+v", au)
	}
	data := gjson.ParseBytes(au.Data)
	if data.Get("location_id").Int() != 3 || data.Get("status").Str != state.TagStatusIdle {
		t.Errorf("asset update data got %s", au.Data)
	}
	if data.Get("updated_at").Str != "2026-03-01T09:00:00Z" {
		t.Errorf("updated_at got %s", data.Get("updated_at").Raw)
	}
}

func TestReconcilerIgnoresTagsElsewhere(t *testing.T) {
	ctx := context.Background()
	r, store, disp, rec := newTestReconciler(1, 0)
	two := 2
	store.tags["E2BBBB"] = &state.Tag{TagID: "E2BBBB", CurrentLocationID: &two, Status: state.TagStatusInUse}
	if n := r.ProcessBatch(ctx, []string{"E2BBBB"}, time.Now()); n != 1 {
		t.Fatalf("no-op read processed got %d want 1", n)
	}
	if len(store.transitions) != 0 || len(disp.calls) != 0 || len(rec.Payloads()) != 0 {
		t.Fatalf("no-op read had side effects: %+v %+v %+v", store.transitions, disp.calls, rec.Payloads())
	}
	if len(store.touched) != 1 {
		t.Errorf("no-op read did not touch last_seen")
	}
}

func TestReconcilerSkipsFailingTag(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := newTestReconciler(1, time.Minute)
	store.failTag["E2BAD"] = errors.New("connection reset")
	if n := r.ProcessBatch(ctx, []string{"E2BAD", "E2GOOD"}, time.Now()); n != 1 {
		t.Fatalf("processed got %d want 1", n)
	}
	if _, ok := store.tags["E2GOOD"]; !ok {
		t.Fatalf("failure of one tag stopped the rest of the batch")
	}
	if _, ok := r.hist.LastUpdate["E2BAD"]; ok {
		t.Errorf("failed tag was recorded as updated and would be debounced")
	}
	delete(store.failTag, "E2BAD")
	if n := r.ProcessBatch(ctx, []string{"E2BAD"}, time.Now()); n != 1 {
		t.Errorf("retry of failed tag got %d want 1", n)
	}
}

func TestReconcilerRun(t *testing.T) {
	r, store, _, rec := newTestReconciler(1, 50*time.Millisecond)
	var mu sync.Mutex
	var statuses []scanner.Status
	r.onStatus = func(res scanner.Result) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, res.Status)
	}
	results := make(chan scanner.Result)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		r.Run(ctx, results)
		close(done)
	}()

	results <- scanner.Result{Kind: scanner.ResultStatus, DeviceID: "S1", Status: scanner.StatusConnected, Serial: "AB12"}
	results <- scanner.Result{Kind: scanner.ResultBatch, DeviceID: "S1", Tags: []string{"E2001122", "E2003344"}, Timestamp: time.Now()}
	results <- scanner.Result{Kind: scanner.ResultIdle, DeviceID: "S1"}

	t.Log("Idle ticks eventually forget last update times older than the delay.")
	time.Sleep(200 * time.Millisecond)
	close(results)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after the result channel closed")
	}

	mu.Lock()
	if len(statuses) != 1 || statuses[0] != scanner.StatusConnected {
		t.Errorf("statuses got %v", statuses)
	}
	mu.Unlock()
	if len(store.transitions) != 2 {
		t.Errorf("transitions got %d want 2", len(store.transitions))
	}
	scans := rec.OfType(pubsub.TypeScanResult)
	if len(scans) != 1 || scans[0].(*pubsub.ScanResult).Count != 2 {
		t.Errorf("scan results got %+v", scans)
	}
	if len(r.Scanned()) != 0 {
		t.Errorf("idle result did not clear the scanned set: %v", r.Scanned())
	}
	if len(r.hist.LastUpdate) != 0 {
		t.Errorf("last update times were not pruned: %v", r.hist.LastUpdate)
	}
}
