package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/pubsub"
	"github.com/TanatPinkeaw/RFID-Project/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// runes of the message that must match for two notifications to be duplicates
	dedupePrefixLen = 60
	AlertCooldown   = 30 * time.Second
	DefaultCooldown = 5 * time.Second
)

// An alert is only an alert when it is about unauthorized or overdue tags.
var alertVocabulary = []string{
	"unauthor", "ไม่ได้รับอนุญาต", "ไม่รับอนุญาต",
	"overdue", "เกินกำหนด",
}

// Store persists notifications. *state.NotificationsTable implements it.
type Store interface {
	HasRecentDuplicate(typ, fragment string, since time.Time) (bool, error)
	Insert(n state.Notification) (state.Notification, error)
}

// LocationNamer turns a location ID into a display name.
type LocationNamer func(locationID int) string

// Dispatcher creates notifications, suppressing duplicates, and forwards the stored row to
// observers.
type Dispatcher struct {
	store    Store
	notifier pubsub.Notifier
	names    LocationNamer
	recent   *ttlcache.Cache[string, struct{}]
	now      func() time.Time
}

func NewDispatcher(store Store, notifier pubsub.Notifier, names LocationNamer) *Dispatcher {
	if names == nil {
		names = func(id int) string { return fmt.Sprintf("Location %d", id) }
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		names:    names,
		recent: ttlcache.New[string, struct{}](
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		now: time.Now,
	}
}

// Start evicts expired dedupe entries until Stop is called. Blocks.
func (d *Dispatcher) Start() {
	d.recent.Start()
}

func (d *Dispatcher) Stop() {
	d.recent.Stop()
}

// ApplyPolicy downgrades alerts that are not about unauthorized or overdue tags.
func ApplyPolicy(n *state.Notification) {
	if n.Type != state.NotificationAlert || n.RelatedID != nil {
		return
	}
	msg := strings.ToLower(n.Message)
	for _, word := range alertVocabulary {
		if strings.Contains(msg, word) {
			return
		}
	}
	n.Type = state.NotificationMovement
}

func cooldown(typ string) time.Duration {
	if typ == state.NotificationAlert {
		return AlertCooldown
	}
	return DefaultCooldown
}

func dedupeFragment(msg string) string {
	runes := []rune(msg)
	if len(runes) > dedupePrefixLen {
		runes = runes[:dedupePrefixLen]
	}
	return string(runes)
}

// Create stores n unless an equivalent notification was created within the cooldown. It
// returns the new ID, or nil when n was suppressed as a duplicate.
func (d *Dispatcher) Create(ctx context.Context, n state.Notification) (*int64, error) {
	ApplyPolicy(&n)
	if n.Priority == "" {
		n.Priority = state.PriorityNormal
	}
	fragment := dedupeFragment(n.Message)
	key := n.Type + "\x00" + fragment
	window := cooldown(n.Type)

	if d.recent.Get(key) != nil {
		logger.Debug().Str("type", n.Type).Str("msg", fragment).Msg("skipping duplicate notification (cached)")
		return nil, nil
	}
	dup, err := d.store.HasRecentDuplicate(n.Type, fragment, d.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("check duplicate notification: %w", err)
	}
	if dup {
		d.recent.Set(key, struct{}{}, window)
		logger.Debug().Str("type", n.Type).Str("msg", fragment).Msg("skipping duplicate notification")
		return nil, nil
	}
	stored, err := d.store.Insert(n)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	d.recent.Set(key, struct{}{}, window)

	if err := d.notifier.Notify(pubsub.ChanObservers, &pubsub.Notification{Data: stored}); err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		logger.Err(err).Int64("notif_id", stored.NotifID).Msg("failed to broadcast notification")
	}
	return &stored.NotifID, nil
}

// MovementMessage renders a movement as a sentence.
func (d *Dispatcher) MovementMessage(tagID string, from *int, to int, event string) string {
	switch {
	case event == state.EventExit && from != nil:
		return fmt.Sprintf("Tag %s left %s", tagID, d.names(*from))
	case event == state.EventEnter || from == nil:
		return fmt.Sprintf("Tag %s entered %s", tagID, d.names(to))
	default:
		return fmt.Sprintf("Tag %s moved from %s to %s", tagID, d.names(*from), d.names(to))
	}
}

// Movement records a tag movement as a normal priority notification.
func (d *Dispatcher) Movement(ctx context.Context, tagID string, from *int, to int, event, deviceID string) (*int64, error) {
	tag := tagID
	loc := to
	return d.Create(ctx, state.Notification{
		Type:       state.NotificationMovement,
		Title:      "Tag movement",
		Message:    d.MovementMessage(tagID, from, to, event),
		Priority:   state.PriorityNormal,
		TagID:      &tag,
		LocationID: &loc,
	})
}

// UnauthorizedMovement raises a high priority alert for an unauthorized tag reaching to.
func (d *Dispatcher) UnauthorizedMovement(ctx context.Context, tagID string, to int) (*int64, error) {
	tag := tagID
	loc := to
	return d.Create(ctx, state.Notification{
		Type:       state.NotificationAlert,
		Title:      "Unauthorized tag movement",
		Message:    fmt.Sprintf("Tag %s (unauthorized) moved to Location ID %d by %s", tagID, to, state.OperatorSystem),
		Priority:   state.PriorityHigh,
		TagID:      &tag,
		LocationID: &loc,
	})
}
