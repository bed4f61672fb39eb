package pubsub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ChanObservers carries every payload destined for live observers.
const ChanObservers = "observers"

// Every payload needs a type to distinguish what kind of update it is. The type is
// written into the serialised payload as "type".
type Payload interface {
	Type() string
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

type discard struct{}

func (discard) Notify(chanName string, p Payload) error { return nil }
func (discard) Close() error                            { return nil }

// Discard is a Notifier which drops every payload.
var Discard Notifier = discard{}

// Recorder is a Notifier which keeps everything it is given. Useful in tests, and as a
// sink when no observers are configured.
type Recorder struct {
	mu       sync.Mutex
	payloads []Payload
}

func (r *Recorder) Notify(chanName string, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Payloads returns a copy of everything notified so far.
func (r *Recorder) Payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

// OfType returns the recorded payloads with the given type.
func (r *Recorder) OfType(typ string) []Payload {
	var out []Payload
	for _, p := range r.Payloads() {
		if p.Type() == typ {
			out = append(out, p)
		}
	}
	return out
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rfid",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
