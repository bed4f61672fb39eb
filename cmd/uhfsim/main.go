package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	flagListen = flag.String("listen", "127.0.0.1:6000", "Address to accept reader connections on")
	flagSerial = flag.String("serial", "A1B2C3D4", "Device serial, as hex, reported by the simulated reader")
	flagTags   = flag.String("tags", "", "Comma separated tag codes in view, each optionally suffixed with :<antenna>")
	flagChurn  = flag.Duration("churn", 0, "If set, tags leave and re-enter the field every interval")
)

// parseTags reads "E200001,E200002:2" into code -> antenna.
func parseTags(s string) (map[string]int, error) {
	tags := make(map[string]int)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		code, ant, found := strings.Cut(item, ":")
		antenna := 1
		if found {
			n, err := strconv.Atoi(ant)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("tag %s: bad antenna %q", code, ant)
			}
			antenna = n
		}
		tags[strings.ToUpper(code)] = antenna
	}
	return tags, nil
}

func main() {
	flag.Parse()
	tags, err := parseTags(*flagTags)
	if err != nil {
		fmt.Println(err)
		flag.Usage()
		os.Exit(1)
	}
	sim := uhf.NewSimulator(*flagSerial)
	if err := sim.Listen(*flagListen); err != nil {
		logger.Fatal().Err(err).Str("listen", *flagListen).Msg("failed to listen")
	}
	defer sim.Close()
	sim.SetTags(tags)
	d := sim.Descriptor()
	logger.Info().Str("connection_type", d.Transport).Str("connection_info", d.Address).
		Int("tags", len(tags)).Msg("simulated reader ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *flagChurn <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(*flagChurn)
	defer ticker.Stop()
	present := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			present = !present
			if present {
				sim.SetTags(tags)
			} else {
				sim.SetTags(nil)
			}
			logger.Info().Bool("present", present).Msg("tags toggled")
		}
	}
}
