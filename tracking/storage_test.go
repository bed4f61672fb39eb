package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/notify"
	"github.com/TanatPinkeaw/RFID-Project/pubsub"
	"github.com/TanatPinkeaw/RFID-Project/state"
)

// Runs a factory reader and an outside reader against a real database.
func TestReconcilersWithStorage(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := state.NewStorageWithDB(db, false)
	rec := &pubsub.Recorder{}
	disp := notify.NewDispatcher(store.NotificationsTable, rec, DefaultLocations().Name)
	metrics := NewMetrics(false)
	ctx := context.Background()

	factory := NewReconciler(Config{DeviceID: "S1", LocationID: 1, Delay: 0}, DefaultLocations(), store, disp, rec, metrics, nil)
	outside := NewReconciler(Config{DeviceID: "S3", LocationID: 3, Delay: 0}, DefaultLocations(), store, disp, rec, metrics, nil)

	tagID := "E2DB" + time.Now().Format("150405.000")
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	t.Log("The factory reader sees the tag first.")
	factory.ProcessBatch(ctx, []string{tagID}, t0)
	tag, err := store.Tag(ctx, tagID)
	if err != nil || tag == nil {
		t.Fatalf("Tag: %v %v", tag, err)
	}
	if !tag.AtLocation(1) || tag.Status != state.TagStatusInUse || tag.DeviceID != "S1" {
		t.Fatalf("after enter got %+v", tag)
	}

	t.Log("The outside reader pulls it into the neutral zone.")
	outside.ProcessBatch(ctx, []string{tagID}, t0.Add(time.Second))
	tag, _ = store.Tag(ctx, tagID)
	if !tag.AtLocation(3) || tag.Status != state.TagStatusIdle || tag.DeviceID != "S3" {
		t.Fatalf("after neutral read got %+v", tag)
	}

	alerts, err := store.NotificationsTable.SelectLatest(10)
	if err != nil {
		t.Fatalf("SelectLatest: %s", err)
	}
	nAlerts := 0
	for _, n := range alerts {
		if n.TagID != nil && *n.TagID == tagID && n.Type == state.NotificationAlert {
			nAlerts++
		}
	}
	if nAlerts != 1 {
		t.Errorf("unauthorized alerts for %s got %d want 1", tagID, nAlerts)
	}

	t.Log("Reading it again outside changes nothing but last_seen.")
	outside.ProcessBatch(ctx, []string{tagID}, t0.Add(2*time.Second))
	movements, err := store.MovementsTable.SelectByTag(tagID)
	if err != nil {
		t.Fatalf("SelectByTag: %s", err)
	}
	if len(movements) != 2 {
		t.Fatalf("movements got %d want 2: %+v", len(movements), movements)
	}
	tag, _ = store.Tag(ctx, tagID)
	if !tag.LastSeen.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("last_seen got %v want %v", tag.LastSeen, t0.Add(2*time.Second))
	}

	t.Log("Re-entering the factory updates the existing movement row for that destination.")
	factory.ProcessBatch(ctx, []string{tagID}, t0.Add(3*time.Second))
	movements, _ = store.MovementsTable.SelectByTag(tagID)
	if len(movements) != 2 {
		t.Fatalf("re-entry created a new movement row: %+v", movements)
	}
	if movements[0].ToLocationID != 1 || !movements[0].Timestamp.Equal(t0.Add(3*time.Second)) {
		t.Errorf("latest movement got %+v", movements[0])
	}

	notifs, err := store.NotificationsTable.SelectLatest(10)
	if err != nil {
		t.Fatalf("SelectLatest: %s", err)
	}
	found := false
	for _, n := range notifs {
		if n.TagID != nil && *n.TagID == tagID && n.Message == "Tag "+tagID+" entered factory" {
			found = true
		}
	}
	if !found {
		t.Errorf("no movement notification stored for %s: %+v", tagID, notifs)
	}
}
