package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/TanatPinkeaw/RFID-Project/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Transition is a tag moving into a location, as decided by the tracker.
type Transition struct {
	TagID     string
	DeviceID  string
	From      *int
	To        int
	Status    string
	EventType string
	At        time.Time
}

type Storage struct {
	TagsTable          *TagsTable
	MovementsTable     *MovementsTable
	NotificationsTable *NotificationsTable
	ConfigTable        *ConfigTable
	DevicesTable       *DevicesTable
	DB                 *sqlx.DB

	transitionDuration prometheus.Histogram
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, false)
}

func NewStorageWithDB(db *sqlx.DB, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		TagsTable:          NewTagsTable(db),
		MovementsTable:     NewMovementsTable(db),
		NotificationsTable: NewNotificationsTable(db),
		ConfigTable:        NewConfigTable(db),
		DevicesTable:       NewDevicesTable(db),
		DB:                 db,
	}
	if addPrometheusMetrics {
		s.transitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rfid",
			Subsystem: "storage",
			Name:      "transition_duration_secs",
			Help:      "Time taken to persist one tag transition",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		})
		prometheus.MustRegister(s.transitionDuration)
	}
	return s
}

// Tag loads a tag, or nil when the code has never been seen.
func (s *Storage) Tag(ctx context.Context, tagID string) (tag *Tag, err error) {
	err = sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		tag, err = s.TagsTable.Select(txn, tagID)
		return err
	})
	return
}

// ApplyTransition creates the tag if needed, moves it and upserts the movement in one
// transaction. It returns the movement's ID.
func (s *Storage) ApplyTransition(ctx context.Context, t Transition) (movementID int64, err error) {
	start := time.Now()
	err = sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		err := s.TagsTable.Insert(txn, Tag{
			TagID:             t.TagID,
			CurrentLocationID: &t.To,
			Status:            t.Status,
			DeviceID:          t.DeviceID,
			FirstSeen:         t.At,
			LastSeen:          t.At,
		})
		if err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
		if err = s.TagsTable.UpdateLocation(txn, t.TagID, t.To, t.Status, t.DeviceID, t.At); err != nil {
			return fmt.Errorf("update tag location: %w", err)
		}
		movementID, err = s.MovementsTable.Upsert(txn, Movement{
			TagID:          t.TagID,
			FromLocationID: t.From,
			ToLocationID:   t.To,
			EventType:      t.EventType,
			Timestamp:      t.At,
			Operator:       OperatorSystem,
		})
		if err != nil {
			return fmt.Errorf("upsert movement: %w", err)
		}
		return nil
	})
	if s.transitionDuration != nil && err == nil {
		s.transitionDuration.Observe(time.Since(start).Seconds())
	}
	return
}

// TouchTags updates last_seen for tags a device saw without moving them.
func (s *Storage) TouchTags(ctx context.Context, tagIDs []string, deviceID string, at time.Time) error {
	_, err := s.TagsTable.TouchLastSeen(tagIDs, deviceID, at)
	return err
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
	if s.transitionDuration != nil {
		prometheus.Unregister(s.transitionDuration)
	}
}
