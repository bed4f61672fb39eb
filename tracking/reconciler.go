package tracking

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/pubsub"
	"github.com/TanatPinkeaw/RFID-Project/scanner"
	"github.com/TanatPinkeaw/RFID-Project/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultDelay      = 20 * time.Second
	minReceiveTimeout = 100 * time.Millisecond
)

// Store is the persistence the reconciler needs. *state.Storage implements it.
type Store interface {
	Tag(ctx context.Context, tagID string) (*state.Tag, error)
	ApplyTransition(ctx context.Context, t state.Transition) (int64, error)
	TouchTags(ctx context.Context, tagIDs []string, deviceID string, at time.Time) error
}

// Dispatcher turns movements into notifications. *notify.Dispatcher implements it.
type Dispatcher interface {
	Movement(ctx context.Context, tagID string, from *int, to int, event, deviceID string) (*int64, error)
	UnauthorizedMovement(ctx context.Context, tagID string, to int) (*int64, error)
}

// Metrics are shared by every session's reconciler.
type Metrics struct {
	batchDuration prometheus.Histogram
	transitions   *prometheus.CounterVec
	debounced     prometheus.Counter
	failures      prometheus.Counter
	registered    bool
}

func NewMetrics(addPrometheusMetrics bool) *Metrics {
	m := &Metrics{
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rfid",
			Subsystem: "tracking",
			Name:      "batch_duration_secs",
			Help:      "Time taken to reconcile one batch of tags",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: "tracking",
			Name:      "transitions",
			Help:      "Tag transitions persisted, by event type",
		}, []string{"event_type"}),
		debounced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: "tracking",
			Name:      "debounced_reads",
			Help:      "Reads skipped because the tag was updated within the device delay",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: "tracking",
			Name:      "failed_tags",
			Help:      "Tags skipped because persisting them failed",
		}),
	}
	if addPrometheusMetrics {
		m.registered = true
		prometheus.MustRegister(m.batchDuration, m.transitions, m.debounced, m.failures)
	}
	return m
}

func (m *Metrics) Unregister() {
	if !m.registered {
		return
	}
	prometheus.Unregister(m.batchDuration)
	prometheus.Unregister(m.transitions)
	prometheus.Unregister(m.debounced)
	prometheus.Unregister(m.failures)
}

type Config struct {
	DeviceID   string
	LocationID int
	// Delay is how long after a transition further reads of the same tag only touch
	// last_seen.
	Delay            time.Duration
	DBUpdateInterval time.Duration
	// History is carried over from a previous reconciler of the same session. nil starts
	// with an empty one.
	History *History
}

// History is a session's tag memory: the tags in the latest batch and when each tag last
// had a transition recorded. It outlives a reconciler so a restarted session keeps
// debouncing the tags it has just moved. Only one reconciler may use it at a time.
type History struct {
	Scanned    map[string]struct{}
	LastUpdate map[string]time.Time
}

func NewHistory() *History {
	return &History{
		Scanned:    make(map[string]struct{}),
		LastUpdate: make(map[string]time.Time),
	}
}

// StatusFunc is told about worker status results (connected, connection_failed, fatal).
type StatusFunc func(r scanner.Result)

// Reconciler consumes one session's results. It is not safe for concurrent use: its
// History belongs to the goroutine running Run.
type Reconciler struct {
	cfg        Config
	locs       Locations
	store      Store
	dispatcher Dispatcher
	notifier   pubsub.Notifier
	metrics    *Metrics
	onStatus   StatusFunc

	hist   *History
	now    func() time.Time
	logger zerolog.Logger
}

func NewReconciler(cfg Config, locs Locations, store Store, dispatcher Dispatcher, notifier pubsub.Notifier, metrics *Metrics, onStatus StatusFunc) *Reconciler {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if metrics == nil {
		metrics = NewMetrics(false)
	}
	if notifier == nil {
		notifier = pubsub.Discard
	}
	hist := cfg.History
	if hist == nil {
		hist = NewHistory()
	}
	return &Reconciler{
		cfg:        cfg,
		locs:       locs,
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    metrics,
		onStatus:   onStatus,
		hist:       hist,
		now:        time.Now,
		logger:     logger.With().Str("device", cfg.DeviceID).Int("loc", cfg.LocationID).Logger(),
	}
}

func (r *Reconciler) receiveTimeout() time.Duration {
	if r.cfg.DBUpdateInterval > minReceiveTimeout {
		return r.cfg.DBUpdateInterval
	}
	return minReceiveTimeout
}

// Run handles results until ctx is done or results is closed.
func (r *Reconciler) Run(ctx context.Context, results <-chan scanner.Result) {
	defer internal.ReportPanicsToSentry()
	ctx = internal.SessionContext(ctx, r.cfg.DeviceID, r.cfg.LocationID)
	ctx = internal.SessionHub(ctx, r.cfg.DeviceID, r.cfg.LocationID)
	timeout := r.receiveTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				r.logger.Debug().Msg("result channel closed")
				return
			}
			r.Handle(ctx, res)
		case <-timer.C:
			r.forgetExpired()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)
	}
}

// Handle processes a single worker result.
func (r *Reconciler) Handle(ctx context.Context, res scanner.Result) {
	switch res.Kind {
	case scanner.ResultStatus:
		if res.Status == scanner.StatusConnected {
			internal.SetSessionContextSerial(ctx, res.Serial)
		}
		internal.DecorateLogger(ctx, r.logger.Info()).Str("status", string(res.Status)).Str("reason", res.Reason).Msg("worker status")
		if r.onStatus != nil {
			r.onStatus(res)
		}
	case scanner.ResultIdle:
		r.hist.Scanned = make(map[string]struct{})
	case scanner.ResultBatch:
		r.hist.Scanned = make(map[string]struct{}, len(res.Tags))
		for _, code := range res.Tags {
			r.hist.Scanned[code] = struct{}{}
		}
		at := res.Timestamp
		if at.IsZero() {
			at = r.now()
		}
		r.notify(ctx, &pubsub.ScanResult{
			DeviceID:   r.cfg.DeviceID,
			LocationID: r.cfg.LocationID,
			Tags:       res.Tags,
			Count:      len(res.Tags),
			Timestamp:  at,
		})
		r.ProcessBatch(ctx, res.Tags, at)
	}
}

// Scanned returns the tags in the most recent batch.
func (r *Reconciler) Scanned() []string {
	return internal.SortedKeys(r.hist.Scanned)
}

// ProcessBatch reconciles each distinct tag in tags. It returns how many tags had a
// transition or no-op recorded.
func (r *Reconciler) ProcessBatch(ctx context.Context, tags []string, at time.Time) int {
	start := time.Now()
	internal.SetSessionContextBatch(ctx, len(tags))
	ctx, span := internal.StartSpan(ctx, "ProcessBatch")
	defer span.End()
	span.SetAttributes(attribute.String("device", r.cfg.DeviceID), attribute.Int("tags", len(tags)))

	seen := make(map[string]struct{}, len(tags))
	var touch []string
	processed := 0
	now := r.now()
	for _, code := range tags {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		if last, ok := r.hist.LastUpdate[code]; ok && now.Sub(last) < r.cfg.Delay {
			r.metrics.debounced.Inc()
			touch = append(touch, code)
			continue
		}
		if err := r.processTag(ctx, code, at); err != nil {
			r.metrics.failures.Inc()
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
			internal.DecorateLogger(ctx, r.logger.Error()).Err(err).Str("tag", code).Msg("failed to reconcile tag, skipping")
			continue
		}
		r.hist.LastUpdate[code] = now
		processed++
	}
	if len(touch) > 0 {
		if err := r.store.TouchTags(ctx, touch, r.cfg.DeviceID, at); err != nil {
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
			internal.DecorateLogger(ctx, r.logger.Warn()).Err(err).Msg("failed to touch debounced tags")
		}
	}
	r.metrics.batchDuration.Observe(time.Since(start).Seconds())
	return processed
}

func (r *Reconciler) processTag(ctx context.Context, code string, at time.Time) error {
	tag, err := r.store.Tag(ctx, code)
	if err != nil {
		return err
	}
	var tr Transition
	if tag == nil {
		tr = r.locs.FirstSeen(r.cfg.LocationID)
	} else {
		var ok bool
		tr, ok = r.locs.Next(tag, r.cfg.LocationID)
		if !ok {
			return r.store.TouchTags(ctx, []string{code}, r.cfg.DeviceID, at)
		}
	}

	movementID, err := r.store.ApplyTransition(ctx, state.Transition{
		TagID:     code,
		DeviceID:  r.cfg.DeviceID,
		From:      tr.From,
		To:        tr.To,
		Status:    tr.Status,
		EventType: tr.Event,
		At:        at,
	})
	if err != nil {
		return err
	}
	r.metrics.transitions.WithLabelValues(tr.Event).Inc()
	r.logger.Info().Str("tag", code).Str("event", tr.Event).Interface("from", tr.From).Int("to", tr.To).Msg("tag moved")

	to := tr.To
	authorized := tag != nil && tag.Authorized
	r.notify(ctx, &pubsub.TagUpdate{
		TagID:      code,
		LocationID: &to,
		Status:     tr.Status,
		DeviceID:   r.cfg.DeviceID,
		EventType:  tr.Event,
		Authorized: authorized,
	})
	r.notify(ctx, &pubsub.MovementUpdate{
		MovementID:     movementID,
		TagID:          code,
		FromLocationID: tr.From,
		ToLocationID:   tr.To,
		EventType:      tr.Event,
		DeviceID:       r.cfg.DeviceID,
		Timestamp:      at,
	})
	if tag != nil && tag.AssetID != nil {
		r.notifyAsset(ctx, *tag.AssetID, code, tr, at)
	}

	// the movement is stored, notification failures do not undo it
	if _, err := r.dispatcher.Movement(ctx, code, tr.From, tr.To, tr.Event, r.cfg.DeviceID); err != nil {
		internal.DecorateLogger(ctx, r.logger.Warn()).Err(err).Str("tag", code).Msg("failed to create movement notification")
	}
	if !authorized && r.locs.LeavesForNeutral(tr) {
		if _, err := r.dispatcher.UnauthorizedMovement(ctx, code, tr.To); err != nil {
			internal.DecorateLogger(ctx, r.logger.Warn()).Err(err).Str("tag", code).Msg("failed to raise unauthorized alert")
		}
	}
	return nil
}

func (r *Reconciler) notify(ctx context.Context, p pubsub.Payload) {
	if err := r.notifier.Notify(pubsub.ChanObservers, p); err != nil {
		internal.DecorateLogger(ctx, r.logger.Warn()).Err(err).Str("type", p.Type()).Msg("failed to notify observers")
	}
}

// notifyAsset tells observers that the asset bound to a tag changed location.
func (r *Reconciler) notifyAsset(ctx context.Context, assetID int64, code string, tr Transition, at time.Time) {
	data, err := sjson.SetBytes(nil, "location_id", tr.To)
	if err == nil {
		data, err = sjson.SetBytes(data, "status", tr.Status)
	}
	if err == nil {
		data, err = sjson.SetBytes(data, "updated_at", at.UTC().Format(time.RFC3339))
	}
	if err != nil {
		internal.DecorateLogger(ctx, r.logger.Warn()).Err(err).Int64("asset", assetID).Msg("failed to build asset update")
		return
	}
	r.notify(ctx, &pubsub.AssetUpdate{
		AssetID: assetID,
		TagID:   code,
		Action:  pubsub.AssetActionMoved,
		Data:    data,
	})
}

// forgetExpired drops last update times older than the delay; they no longer debounce.
func (r *Reconciler) forgetExpired() {
	now := r.now()
	for code, last := range r.hist.LastUpdate {
		if now.Sub(last) >= r.cfg.Delay {
			delete(r.hist.LastUpdate, code)
		}
	}
}
