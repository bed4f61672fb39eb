package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	rfidtrack "github.com/TanatPinkeaw/RFID-Project"
	"github.com/TanatPinkeaw/RFID-Project/broadcast"
	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/notify"
	"github.com/TanatPinkeaw/RFID-Project/pubsub"
	"github.com/TanatPinkeaw/RFID-Project/scanner"
	"github.com/TanatPinkeaw/RFID-Project/sessions"
	"github.com/TanatPinkeaw/RFID-Project/state"
	"github.com/TanatPinkeaw/RFID-Project/state/migrations"
	"github.com/TanatPinkeaw/RFID-Project/tracking"
	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

var GitCommit string

const version = "0.4.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// Required fields
	EnvDB = "RFID_DB"

	// Optional fields
	EnvBindAddr     = "RFID_BINDADDR"
	EnvConfigFile   = "RFID_CONFIG"
	EnvDebug        = "RFID_DEBUG"
	EnvLogLevel     = "RFID_LOG_LEVEL"
	EnvPrometheus   = "RFID_PROM"
	EnvSentryDSN    = "RFID_SENTRY_DSN"
	EnvOTLPURL      = "RFID_OTLP_URL"
	EnvOTLPUsername = "RFID_OTLP_USERNAME"
	EnvOTLPPassword = "RFID_OTLP_PASSWORD"
	EnvMQTTBroker   = "RFID_MQTT_BROKER"
	EnvAutoConnect  = "RFID_AUTO_CONNECT"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s     Required. The postgres connection string: https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
%s     Default: 0.0.0.0:8000. The interface and port to listen on.
%s     Default: unset. Path to a YAML file with locations, worker and broadcast settings.
%s     Default: unset. Set to '1' to enable assertions which panic.
%s     Default: info. The level of verbosity for messages logged. Available values are trace, debug, info, warn, error and fatal.
%s     Default: unset. Set to '1' to expose /metrics.
%s     Default: unset. The Sentry DSN to report events to.
%s     Default: unset. The OTLP HTTP URL to send spans to e.g https://localhost:4318 - if unset does not send OTLP traces.
%s     Default: unset. The OTLP username for Basic auth. If unset, does not send an Authorization header.
%s     Default: unset. The OTLP password for Basic auth. If unset, does not send an Authorization header.
%s     Default: unset. host:port of an MQTT broker to republish every broadcast payload to.
%s     Default: 1. Set to '0' to skip reconnecting readers flagged for auto-connect at startup.
`, EnvDB, EnvBindAddr, EnvConfigFile, EnvDebug, EnvLogLevel, EnvPrometheus, EnvSentryDSN, EnvOTLPURL,
	EnvOTLPUsername, EnvOTLPPassword, EnvMQTTBroker, EnvAutoConnect)

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == scanner.WorkerSubcommand {
		runWorker()
		return
	}
	fmt.Printf("RFID tracker %v (%s)\n", version, GitCommit)
	args := map[string]string{
		EnvDB:           os.Getenv(EnvDB),
		EnvBindAddr:     defaulting(os.Getenv(EnvBindAddr), "0.0.0.0:8000"),
		EnvConfigFile:   os.Getenv(EnvConfigFile),
		EnvDebug:        os.Getenv(EnvDebug),
		EnvLogLevel:     os.Getenv(EnvLogLevel),
		EnvPrometheus:   os.Getenv(EnvPrometheus),
		EnvSentryDSN:    os.Getenv(EnvSentryDSN),
		EnvOTLPURL:      os.Getenv(EnvOTLPURL),
		EnvOTLPUsername: os.Getenv(EnvOTLPUsername),
		EnvOTLPPassword: os.Getenv(EnvOTLPPassword),
		EnvMQTTBroker:   os.Getenv(EnvMQTTBroker),
		EnvAutoConnect:  defaulting(os.Getenv(EnvAutoConnect), "1"),
	}
	requiredEnvVars := []string{EnvDB}
	for _, requiredEnvVar := range requiredEnvVars {
		if args[requiredEnvVar] == "" {
			fmt.Print(helpMsg)
			fmt.Printf("\n%s is not set", requiredEnvVar)
			fmt.Printf("\n%s must be set\n", strings.Join(requiredEnvVars, ", "))
			os.Exit(1)
		}
	}

	switch strings.ToLower(args[EnvLogLevel]) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if args[EnvSentryDSN] != "" {
		fmt.Println("Configuring Sentry reporter...")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     args[EnvSentryDSN],
			Release: version,
			Dist:    GitCommit,
		})
		if err != nil {
			panic(err)
		}
	}
	if args[EnvOTLPURL] != "" {
		fmt.Printf("Configuring OTLP HTTP trace exporter to %s\n", args[EnvOTLPURL])
		if err := internal.ConfigureOTLP(args[EnvOTLPURL], args[EnvOTLPUsername], args[EnvOTLPPassword], version); err != nil {
			panic(err)
		}
	}

	cfg, err := loadConfig(args[EnvConfigFile])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, args, cfg); err != nil {
		logger.Error().Err(err).Msg("tracker exited with error")
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	sentry.Flush(2 * time.Second)
}

func run(ctx context.Context, args map[string]string, cfg *Config) error {
	enablePrometheus := args[EnvPrometheus] != ""

	db, err := sqlx.Open("postgres", args[EnvDB])
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	store := state.NewStorageWithDB(db, enablePrometheus)
	defer store.Teardown()
	if err := migrations.Up(store.DB.DB); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}

	hub := broadcast.NewHub(cfg.Broadcast, enablePrometheus)
	go hub.Run(ctx)
	defer hub.Close()
	var notifier pubsub.Notifier = hub
	if enablePrometheus {
		notifier = pubsub.NewPromNotifier(hub, "broadcast")
	}

	if broker := args[EnvMQTTBroker]; broker != "" {
		conn, err := broadcast.DialMQTT(broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS)
		if err != nil {
			return fmt.Errorf("mqtt %s: %w", broker, err)
		}
		if err := hub.Register(ctx, conn); err != nil {
			return fmt.Errorf("register mqtt observer: %w", err)
		}
	}

	dispatcher := notify.NewDispatcher(store.NotificationsTable, notifier, cfg.Locations.Name)
	go dispatcher.Start()
	defer dispatcher.Stop()

	var spawner scanner.Spawner = &scanner.ProcessSpawner{}
	if cfg.Workers.InProcess {
		spawner = &scanner.InProcessSpawner{Open: uhf.Open}
	}
	sv := sessions.NewSupervisor(sessions.Options{
		Spawner:            spawner,
		Open:               uhf.Open,
		Configs:            store.ConfigTable,
		Devices:            store.DevicesTable,
		Tracker:            store,
		Dispatcher:         dispatcher,
		Notifier:           notifier,
		Locations:          cfg.Locations,
		Metrics:            tracking.NewMetrics(enablePrometheus),
		StopGrace:          cfg.Workers.StopGrace,
		MonitorInterval:    cfg.Workers.MonitorInterval,
		ParamsTimeout:      cfg.Workers.ParamsTimeout,
		AutoConnectWorkers: cfg.Workers.AutoConnectWorkers,
	}, enablePrometheus)
	defer sv.Teardown()
	go sv.Monitor(ctx)

	if args[EnvAutoConnect] != "0" {
		go func() {
			defer internal.ReportPanicsToSentry()
			n, err := sv.AutoConnect(ctx)
			if err != nil {
				logger.Warn().Err(err).Int("connected", n).Msg("auto-connect finished with errors")
				return
			}
			logger.Info().Int("connected", n).Msg("auto-connect finished")
		}()
	}

	h := &rfidtrack.Handler{Control: sv, Registry: store.DevicesTable}
	return rfidtrack.RunServer(ctx, rfidtrack.NewServer(rfidtrack.Router(h, hub, enablePrometheus)), args[EnvBindAddr])
}

// runWorker is the child side of a ProcessSpawner. The supervisor owns its lifetime
// through stdin, so terminal interrupts are ignored.
func runWorker() {
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := scanner.RunChild(ctx, os.Stdin, os.Stdout, uhf.Open); err != nil {
		logger.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}
