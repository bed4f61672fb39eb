package rfidtrack

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/TanatPinkeaw/RFID-Project/broadcast"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const shutdownTimeout = 10 * time.Second

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Router maps the control surface, the observer websocket and optionally /metrics.
func Router(h *Handler, hub *broadcast.Hub, enableMetrics bool) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api/scan/connect", allowCORS(http.HandlerFunc(h.Connect))).Methods("POST", "OPTIONS")
	r.Handle("/api/scan/disconnect/{device}", allowCORS(http.HandlerFunc(h.Disconnect))).Methods("POST", "OPTIONS")
	r.Handle("/api/scan/devices", allowCORS(http.HandlerFunc(h.Devices))).Methods("GET", "OPTIONS")
	r.Handle("/api/scan/params/{device}", allowCORS(http.HandlerFunc(h.GetParams))).Methods("GET", "OPTIONS")
	r.Handle("/api/scan/params/{device}", allowCORS(http.HandlerFunc(h.SetParam))).Methods("POST")
	if hub != nil {
		r.Handle("/ws", broadcast.ServeWS(hub))
	}
	if enableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// NewServer wraps the router in access logging and tracing.
func NewServer(r http.Handler) http.Handler {
	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "rfidtrack")
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
}

// RunServer serves h on bindAddr until ctx is done. Blocks.
func RunServer(ctx context.Context, h http.Handler, bindAddr string) error {
	srv := &http.Server{
		Addr:              bindAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("listening on %s", bindAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
