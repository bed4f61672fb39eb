package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/pubsub"
	"github.com/TanatPinkeaw/RFID-Project/scanner"
	"github.com/TanatPinkeaw/RFID-Project/state"
	"github.com/TanatPinkeaw/RFID-Project/tracking"
	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	ErrAlreadyConnected = errors.New("device or location already has a session")
	ErrConnectionFailed = errors.New("connection failed")
	ErrProtocolTimeout  = errors.New("device did not answer in time")
	ErrNoSession        = errors.New("no session for device")
	errSessionStopped   = errors.New("session was stopped")
	ErrInvalidParam     = uhf.ErrInvalidParam
)

const (
	DefaultStopGrace          = 5 * time.Second
	DefaultMonitorInterval    = time.Second
	DefaultParamsTimeout      = 8 * time.Second
	DefaultAutoConnectWorkers = 4

	// used when neither the device nor the system config has a value
	defaultScanInterval     = 100 * time.Millisecond
	defaultDBUpdateInterval = time.Second
	defaultDelay            = tracking.DefaultDelay
)

// ConfigStore resolves per-device settings. *state.ConfigTable implements it.
type ConfigStore interface {
	Seconds(deviceID, key string, def time.Duration) (time.Duration, error)
	SetDeviceValue(deviceID, key, value string) error
}

// DeviceStore is the reader registry. *state.DevicesTable implements it.
type DeviceStore interface {
	Upsert(d state.Device) error
	SetStatus(deviceID, status string, ts time.Time) error
	SetAutoConnect(deviceID string, autoConnect bool) error
	SelectAutoConnect() ([]state.Device, error)
}

type Options struct {
	Spawner scanner.Spawner
	// Open is used for the pre-flight check before a worker is spawned.
	Open       uhf.Opener
	Configs    ConfigStore
	Devices    DeviceStore
	Tracker    tracking.Store
	Dispatcher tracking.Dispatcher
	Notifier   pubsub.Notifier
	Locations  tracking.Locations
	Metrics    *tracking.Metrics

	StopGrace          time.Duration
	MonitorInterval    time.Duration
	ParamsTimeout      time.Duration
	AutoConnectWorkers int
}

// Supervisor owns every DeviceSession. At most one session exists per device and per
// location.
type Supervisor struct {
	opts Options

	mu         sync.Mutex
	byDevice   map[string]*DeviceSession
	byLocation map[int]*DeviceSession
	// reserved while a session is being checked
	pendingDevices   map[string]struct{}
	pendingLocations map[int]struct{}

	now          func() time.Time
	activeGauge  prometheus.Gauge
	deathCounter prometheus.Counter
}

func NewSupervisor(opts Options, addPrometheusMetrics bool) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.ParamsTimeout <= 0 {
		opts.ParamsTimeout = DefaultParamsTimeout
	}
	if opts.AutoConnectWorkers <= 0 {
		opts.AutoConnectWorkers = DefaultAutoConnectWorkers
	}
	if opts.Open == nil {
		opts.Open = uhf.Open
	}
	if opts.Locations.Neutral == 0 {
		opts.Locations = tracking.DefaultLocations()
	}
	if opts.Metrics == nil {
		opts.Metrics = tracking.NewMetrics(false)
	}
	sv := &Supervisor{
		opts:             opts,
		byDevice:         make(map[string]*DeviceSession),
		byLocation:       make(map[int]*DeviceSession),
		pendingDevices:   make(map[string]struct{}),
		pendingLocations: make(map[int]struct{}),
		now:              time.Now,
	}
	if addPrometheusMetrics {
		sv.activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfid",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of device sessions",
		})
		sv.deathCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: "sessions",
			Name:      "worker_deaths",
			Help:      "Workers found dead by the liveness monitor",
		})
		prometheus.MustRegister(sv.activeGauge, sv.deathCounter)
	}
	return sv
}

// must hold mu
func (sv *Supervisor) updateGauge() {
	if sv.activeGauge != nil {
		sv.activeGauge.Set(float64(len(sv.byDevice)))
	}
}

// must hold mu
func (sv *Supervisor) checkFree(deviceID string, locationID int) error {
	if deviceID != "" {
		if _, ok := sv.byDevice[deviceID]; ok {
			return fmt.Errorf("%w: device %s", ErrAlreadyConnected, deviceID)
		}
		if _, ok := sv.pendingDevices[deviceID]; ok {
			return fmt.Errorf("%w: device %s is connecting", ErrAlreadyConnected, deviceID)
		}
	}
	if s, ok := sv.byLocation[locationID]; ok {
		return fmt.Errorf("%w: location %d is served by %s", ErrAlreadyConnected, locationID, s.DeviceID)
	}
	if _, ok := sv.pendingLocations[locationID]; ok {
		return fmt.Errorf("%w: location %d is connecting", ErrAlreadyConnected, locationID)
	}
	return nil
}

func (sv *Supervisor) GetSession(deviceID string) (*DeviceSession, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.byDevice[deviceID]
	return s, ok
}

// Sessions returns every session ordered by device ID.
func (sv *Supervisor) Sessions() []*DeviceSession {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	ids := maps.Keys(sv.byDevice)
	slices.Sort(ids)
	out := make([]*DeviceSession, 0, len(ids))
	for _, id := range ids {
		out = append(out, sv.byDevice[id])
	}
	return out
}

// Devices snapshots every session ordered by device ID.
func (sv *Supervisor) Devices() []Info {
	sessions := sv.Sessions()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// preflight opens the reader, reads its serial and closes it again.
func (sv *Supervisor) preflight(desc uhf.Descriptor) (string, error) {
	r, err := sv.opts.Open(desc)
	if err != nil {
		return "", err
	}
	defer r.Close()
	serial, err := r.DeviceSerial()
	if err != nil {
		return "", err
	}
	if strings.Trim(serial, "0") == "" {
		return "", scanner.ErrNoValidDevice
	}
	return serial, nil
}

func (sv *Supervisor) loadConfig(deviceID string) SessionConfig {
	var cfg SessionConfig
	read := func(key string, def time.Duration) time.Duration {
		v, err := sv.opts.Configs.Seconds(deviceID, key, def)
		if err != nil {
			logger.Warn().Err(err).Str("device", deviceID).Str("key", key).Msg("failed to read config, using default")
		}
		return v
	}
	cfg.ScanInterval = read(state.ConfigScanInterval, defaultScanInterval)
	cfg.DBUpdateInterval = read(state.ConfigDBUpdateInterval, defaultDBUpdateInterval)
	cfg.Delay = read(state.ConfigDelaySeconds, defaultDelay)
	return cfg
}

// StartSession checks the reader, then spawns its worker and reconciler. An empty deviceID
// is replaced by the serial it reports.
func (sv *Supervisor) StartSession(ctx context.Context, deviceID string, locationID int, desc uhf.Descriptor) (*DeviceSession, error) {
	ctx, span := internal.StartSpan(ctx, "StartSession")
	defer span.End()
	span.SetAttributes(attribute.String("device", deviceID), attribute.Int("location", locationID))

	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectionFailed, err)
	}
	sv.mu.Lock()
	if err := sv.checkFree(deviceID, locationID); err != nil {
		sv.mu.Unlock()
		return nil, err
	}
	sv.pendingLocations[locationID] = struct{}{}
	if deviceID != "" {
		sv.pendingDevices[deviceID] = struct{}{}
	}
	sv.mu.Unlock()
	requested := deviceID
	release := func() {
		delete(sv.pendingLocations, locationID)
		delete(sv.pendingDevices, requested)
	}

	serial, err := sv.preflight(desc)
	if err != nil {
		sv.mu.Lock()
		release()
		sv.mu.Unlock()
		internal.Logf(ctx, "sessions", "pre-flight check of %s failed: %s", desc, err)
		return nil, fmt.Errorf("%w: %s: %s", ErrConnectionFailed, desc, err)
	}
	if deviceID == "" {
		deviceID = serial
	}
	s := &DeviceSession{
		DeviceID:   deviceID,
		LocationID: locationID,
		Descriptor: desc,
		StartedAt:  sv.now(),
		serial:     serial,
		cfg:        sv.loadConfig(deviceID),
		history:    tracking.NewHistory(),
	}

	sv.mu.Lock()
	release()
	if requested == "" {
		if err := sv.checkFree(deviceID, locationID); err != nil {
			sv.mu.Unlock()
			return nil, err
		}
	}
	sv.byDevice[deviceID] = s
	sv.byLocation[locationID] = s
	sv.updateGauge()
	sv.mu.Unlock()

	if err := sv.launch(s); err != nil {
		sv.remove(s)
		return nil, fmt.Errorf("%w: %s", ErrConnectionFailed, err)
	}
	logger.Info().Str("device", deviceID).Int("loc", locationID).Str("sn", serial).Str("desc", desc.String()).Msg("session started")
	return s, nil
}

// launch spawns a worker for s and starts its reconciler.
func (sv *Supervisor) launch(s *DeviceSession) error {
	cfg := s.Config()
	h, err := sv.opts.Spawner.Spawn(scanner.Config{
		DeviceID:         s.DeviceID,
		LocationID:       s.LocationID,
		Descriptor:       s.Descriptor,
		ScanInterval:     cfg.ScanInterval,
		DBUpdateInterval: cfg.DBUpdateInterval,
	})
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	rec := tracking.NewReconciler(tracking.Config{
		DeviceID:         s.DeviceID,
		LocationID:       s.LocationID,
		Delay:            cfg.Delay,
		DBUpdateInterval: cfg.DBUpdateInterval,
		History:          s.history,
	}, sv.opts.Locations, sv.opts.Tracker, sv.opts.Dispatcher, sv.opts.Notifier, sv.opts.Metrics, sv.statusFunc(s))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		if err := h.Stop(sv.opts.StopGrace); err != nil {
			logger.Warn().Err(err).Str("device", s.DeviceID).Msg("worker of a stopped session did not stop cleanly")
		}
		return errSessionStopped
	}
	s.handle = h
	s.cancel = cancel
	s.reconciled = done
	s.connected = false
	s.mu.Unlock()
	go func() {
		defer close(done)
		rec.Run(ctx, h.Results())
	}()
	return nil
}

// halt stops the worker of s, then waits for the reconciler to drain what it sent.
func (sv *Supervisor) halt(s *DeviceSession) error {
	s.mu.Lock()
	h, cancel, done := s.handle, s.cancel, s.reconciled
	s.connected = false
	s.mu.Unlock()
	var err error
	if h != nil {
		err = h.Stop(sv.opts.StopGrace)
	}
	if cancel != nil {
		select {
		case <-done:
		case <-time.After(sv.opts.StopGrace):
			logger.Warn().Str("device", s.DeviceID).Msg("reconciler did not drain, cancelling")
		}
		cancel()
		<-done
	}
	return err
}

// remove unregisters s if it is still the registered session for its device.
func (sv *Supervisor) remove(s *DeviceSession) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.byDevice[s.DeviceID] != s {
		return false
	}
	delete(sv.byDevice, s.DeviceID)
	if sv.byLocation[s.LocationID] == s {
		delete(sv.byLocation, s.LocationID)
	}
	sv.updateGauge()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return true
}

func (sv *Supervisor) StopSession(deviceID string) error {
	s, ok := sv.GetSession(deviceID)
	if !ok || !sv.remove(s) {
		return fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	if err := sv.halt(s); err != nil {
		logger.Warn().Err(err).Str("device", deviceID).Msg("worker did not stop cleanly")
		return fmt.Errorf("stop %s: %w", deviceID, err)
	}
	logger.Info().Str("device", deviceID).Msg("session stopped")
	return nil
}

// RestartSession replaces the worker and reconciler of a session, re-reading its config.
// The session keeps its registration throughout.
func (sv *Supervisor) RestartSession(ctx context.Context, deviceID string) error {
	_, span := internal.StartSpan(ctx, "RestartSession")
	defer span.End()
	s, ok := sv.GetSession(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		return fmt.Errorf("restart of %s already in progress", deviceID)
	}
	s.restarting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()

	if err := sv.halt(s); err != nil {
		logger.Warn().Err(err).Str("device", deviceID).Msg("worker did not stop cleanly during restart")
	}
	cfg := sv.loadConfig(deviceID)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if err := sv.launch(s); err != nil {
		if errors.Is(err, errSessionStopped) {
			logger.Info().Str("device", deviceID).Msg("session stopped during restart, not relaunching")
			return fmt.Errorf("%w: %s was stopped during restart", ErrNoSession, deviceID)
		}
		sv.remove(s)
		sv.markOffline(ctx, s, "restart failed")
		return fmt.Errorf("restart %s: %w", deviceID, err)
	}
	logger.Info().Str("device", deviceID).Msg("session restarted")
	return nil
}

// statusFunc reacts to worker status results for s.
func (sv *Supervisor) statusFunc(s *DeviceSession) tracking.StatusFunc {
	return func(res scanner.Result) {
		switch res.Status {
		case scanner.StatusConnected:
			s.setConnected(res.Serial, true)
			if err := sv.opts.Devices.SetStatus(s.DeviceID, state.DeviceOnline, sv.now()); err != nil {
				logger.Err(err).Str("device", s.DeviceID).Msg("failed to mark device online")
			}
			p := pubsub.NewDeviceStatus(s.DeviceID, s.LocationID, state.DeviceOnline, "")
			p.Serial = res.Serial
			sv.notify(p)
		case scanner.StatusConnectionFailed, scanner.StatusFatal:
			s.setConnected("", false)
			logger.Warn().Str("device", s.DeviceID).Str("status", string(res.Status)).Str("reason", res.Reason).Msg("worker lost the reader")
		}
	}
}

func (sv *Supervisor) notify(p pubsub.Payload) {
	if sv.opts.Notifier == nil {
		return
	}
	if err := sv.opts.Notifier.Notify(pubsub.ChanObservers, p); err != nil {
		logger.Warn().Err(err).Str("type", p.Type()).Msg("failed to notify observers")
	}
}

func (sv *Supervisor) markOffline(ctx context.Context, s *DeviceSession, reason string) {
	s.setConnected("", false)
	if err := sv.opts.Devices.SetStatus(s.DeviceID, state.DeviceOffline, sv.now()); err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		logger.Err(err).Str("device", s.DeviceID).Msg("failed to mark device offline")
	}
	sv.notify(pubsub.NewDeviceStatus(s.DeviceID, s.LocationID, state.DeviceOffline, reason))
}

// Monitor checks worker liveness every interval until ctx is done. Blocks.
func (sv *Supervisor) Monitor(ctx context.Context) {
	defer internal.ReportPanicsToSentry()
	ticker := time.NewTicker(sv.opts.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.checkLiveness(ctx)
		}
	}
}

// checkLiveness removes sessions whose worker has exited. It returns the removed device IDs.
func (sv *Supervisor) checkLiveness(ctx context.Context) []string {
	var dead []string
	for _, s := range sv.Sessions() {
		if !s.dead() || !sv.remove(s) {
			continue
		}
		dead = append(dead, s.DeviceID)
		if sv.deathCounter != nil {
			sv.deathCounter.Inc()
		}
		logger.Warn().Str("device", s.DeviceID).Int("loc", s.LocationID).Msg("worker died, removing session")
		sv.markOffline(ctx, s, "worker exited")
		s.mu.Lock()
		cancel, done := s.cancel, s.reconciled
		s.mu.Unlock()
		// the results channel is closed, so the reconciler finishes by itself
		go func() {
			<-done
			cancel()
		}()
	}
	return dead
}

// Teardown stops every session.
func (sv *Supervisor) Teardown() {
	for _, s := range sv.Sessions() {
		if err := sv.StopSession(s.DeviceID); err != nil && !errors.Is(err, ErrNoSession) {
			logger.Warn().Err(err).Str("device", s.DeviceID).Msg("teardown")
		}
	}
	if sv.activeGauge != nil {
		prometheus.Unregister(sv.activeGauge)
		prometheus.Unregister(sv.deathCounter)
	}
}
