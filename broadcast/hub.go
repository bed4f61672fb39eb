package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultQueueSize         = 1024
	DefaultHeartbeatInterval = time.Second
	DefaultSendTimeout       = 5 * time.Second
)

// Conn is one observer. Send must be safe to call concurrently with Close.
type Conn interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close() error
}

type Config struct {
	QueueSize         int           `yaml:"queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Hub fans payloads out to observers. Any goroutine may Enqueue; a single goroutine
// running Run serialises each payload once and delivers it.
type Hub struct {
	cfg     Config
	queue   chan pubsub.Payload
	running atomic.Bool

	mu    sync.Mutex
	conns map[string]Conn

	promEnabled bool
	dropped     prometheus.Counter
	sent        prometheus.Counter
	failed      prometheus.Counter
	active      prometheus.Gauge
}

func NewHub(cfg Config, addPrometheusMetrics bool) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:   cfg,
		queue: make(chan pubsub.Payload, cfg.QueueSize),
		conns: make(map[string]Conn),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: "broadcast",
			Name:      "dropped_payloads",
			Help:      "Payloads dropped because the queue was full or the hub was not running",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: "broadcast",
			Name:      "sent_messages",
			Help:      "Messages written to observer connections",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: "broadcast",
			Name:      "failed_sends",
			Help:      "Sends that failed or timed out, each dropping its connection",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfid",
			Subsystem: "broadcast",
			Name:      "active_connections",
			Help:      "Number of registered observer connections",
		}),
	}
	if addPrometheusMetrics {
		h.promEnabled = true
		prometheus.MustRegister(h.dropped, h.sent, h.failed, h.active)
	}
	return h
}

// Enqueue hands p to the delivery loop. It never blocks: when the queue is full or the
// hub is not running p is dropped.
func (h *Hub) Enqueue(p pubsub.Payload) {
	if !h.running.Load() {
		h.dropped.Inc()
		logger.Trace().Str("type", p.Type()).Msg("hub not running, dropping payload")
		return
	}
	select {
	case h.queue <- p:
	default:
		h.dropped.Inc()
		logger.Warn().Str("type", p.Type()).Int("queue", h.cfg.QueueSize).Msg("broadcast queue full, dropping payload")
	}
}

// Notify implements pubsub.Notifier.
func (h *Hub) Notify(chanName string, p pubsub.Payload) error {
	h.Enqueue(p)
	return nil
}

// Close unregisters and closes every connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	h.active.Set(0)
	if h.promEnabled {
		prometheus.Unregister(h.dropped)
		prometheus.Unregister(h.sent)
		prometheus.Unregister(h.failed)
		prometheus.Unregister(h.active)
	}
	return nil
}

func (h *Hub) Running() bool {
	return h.running.Load()
}

func (h *Hub) NumConns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Register sends a connection_established payload to c alone, then adds it to the set
// that receives broadcasts.
func (h *Hub) Register(ctx context.Context, c Conn) error {
	data, err := encode(&pubsub.ConnectionEstablished{
		ConnectionID: c.ID(),
		Message:      "connected to rfid tracker",
	}, time.Now())
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()
	if err := c.Send(sctx, data); err != nil {
		return fmt.Errorf("send connection_established: %w", err)
	}
	h.mu.Lock()
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.active.Set(float64(n))
	logger.Info().Str("conn", c.ID()).Int("active", n).Msg("observer registered")
	return nil
}

// Unregister removes and closes the connection. It is safe to call more than once.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	n := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.active.Set(float64(n))
	c.Close()
	logger.Info().Str("conn", id).Int("active", n).Msg("observer unregistered")
	return true
}

func (h *Hub) snapshot() []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Run delivers payloads until ctx is cancelled. When nothing arrives for a heartbeat
// interval a heartbeat is broadcast instead.
func (h *Hub) Run(ctx context.Context) {
	defer internal.ReportPanicsToSentry()
	h.running.Store(true)
	defer h.running.Store(false)
	logger.Info().Dur("heartbeat", h.cfg.HeartbeatInterval).Int("queue", h.cfg.QueueSize).Msg("broadcast hub running")

	timer := time.NewTimer(h.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-h.queue:
			h.deliver(ctx, p)
		case <-timer.C:
			h.deliver(ctx, &pubsub.Heartbeat{
				ServerTime:        time.Now().UTC(),
				ActiveConnections: h.NumConns(),
			})
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(h.cfg.HeartbeatInterval)
	}
}

// deliver sends p to every connection registered now, in parallel. Connections whose send
// fails or times out are dropped.
func (h *Hub) deliver(ctx context.Context, p pubsub.Payload) {
	conns := h.snapshot()
	if len(conns) == 0 {
		return
	}
	data, err := encode(p, time.Now())
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		logger.Err(err).Str("type", p.Type()).Msg("failed to encode payload")
		return
	}
	var wg sync.WaitGroup
	failures := make(chan string, len(conns))
	for _, c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
			defer cancel()
			if err := c.Send(sctx, data); err != nil {
				logger.Warn().Err(err).Str("conn", c.ID()).Str("type", p.Type()).Msg("send failed, dropping observer")
				failures <- c.ID()
				return
			}
			h.sent.Inc()
		}(c)
	}
	wg.Wait()
	close(failures)
	for id := range failures {
		h.failed.Inc()
		h.Unregister(id)
	}
}

// encode serialises p once for every connection, adding its type and a timestamp if the
// payload does not carry one.
func encode(p pubsub.Payload, now time.Time) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.Type(), err)
	}
	data, err = sjson.SetBytes(data, "type", p.Type())
	if err != nil {
		return nil, err
	}
	if !gjson.GetBytes(data, "timestamp").Exists() {
		data, err = sjson.SetBytes(data, "timestamp", now.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}
