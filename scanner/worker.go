package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/uhf"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	minReadWindow      = 50 * time.Millisecond
	maxReadWindow      = 500 * time.Millisecond
	readTagTimeout     = 20 * time.Millisecond
	inventoryStopAfter = 50 * time.Millisecond
	// unclassified errors in a row before the worker gives up
	maxConsecutiveErrors = 5
	recoverableBackoff   = 100 * time.Millisecond
	maxBackoff           = 2 * time.Second
	minAntenna           = 1
	maxAntenna           = 4
)

var ErrNoValidDevice = errors.New("no valid device: serial number is all zero")

// Link is the worker's side of a session's channels.
type Link struct {
	Results   chan<- Result
	Commands  <-chan Command
	Responses chan<- Response
}

// Worker owns one reader handle and runs bounded inventory cycles on it.
type Worker struct {
	cfg    Config
	open   uhf.Opener
	reader uhf.Reader
	serial string
	logger zerolog.Logger
}

func NewWorker(cfg Config, open uhf.Opener) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:    cfg,
		open:   open,
		logger: logger.With().Str("device", cfg.DeviceID).Int("loc", cfg.LocationID).Logger(),
	}
}

// ReadWindow is how long one cycle polls for tags.
func (w *Worker) ReadWindow() time.Duration {
	return internal.Clamp(w.cfg.ScanInterval, minReadWindow, maxReadWindow)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func allZero(serial string) bool {
	return strings.Trim(serial, "0") == ""
}

// Connect opens the transport and proves the device is there by reading its serial.
func (w *Worker) Connect(ctx context.Context) (string, error) {
	var (
		r   uhf.Reader
		err error
	)
	for attempt := 1; ; attempt++ {
		r, err = w.open(w.cfg.Descriptor)
		if err == nil {
			break
		}
		if uhf.IsPortBusy(err) && attempt < connectAttempts {
			w.logger.Warn().Err(err).Int("attempt", attempt).Msg("port busy, retrying")
			if !sleepCtx(ctx, w.cfg.PortBusyBackoff) {
				return "", ctx.Err()
			}
			continue
		}
		return "", fmt.Errorf("connect %s: %w", w.cfg.Descriptor, err)
	}

	var serial string
	for attempt := 1; attempt <= serialAttempts; attempt++ {
		serial, err = r.DeviceSerial()
		if err == nil && !allZero(serial) {
			break
		}
		w.logger.Warn().Err(err).Str("sn", serial).Int("attempt", attempt).Msg("failed to read device serial")
		if attempt < serialAttempts && !sleepCtx(ctx, w.cfg.SerialBackoff) {
			r.Close()
			return "", ctx.Err()
		}
	}
	if err != nil {
		r.Close()
		return "", fmt.Errorf("read serial: %w", err)
	}
	if allZero(serial) {
		r.Close()
		return "", ErrNoValidDevice
	}
	w.reader = r
	w.serial = serial
	return serial, nil
}

// ScanCycle runs one inventory round for at most window and returns the distinct tag
// codes seen on valid antennas, sorted. Inventory is always stopped before returning.
func (w *Worker) ScanCycle(ctx context.Context, window time.Duration) ([]string, error) {
	if w.reader == nil {
		return nil, &uhf.Error{Op: "scan", Code: uhf.CodeInvalidHandle}
	}
	if err := w.reader.InventoryContinue(); err != nil {
		return nil, err
	}
	defer func() {
		if err := w.reader.InventoryStop(inventoryStopAfter); err != nil {
			w.logger.Debug().Err(err).Msg("inventory stop failed")
		}
	}()

	seen := make(map[string]struct{})
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		tag, err := w.reader.ReadTag(readTagTimeout)
		if err != nil {
			if uhf.IsEndOfInventory(err) {
				break
			}
			if uhf.IsNoTag(err) || uhf.IsRecoverable(err) {
				continue
			}
			return sortedCodes(seen), err
		}
		if tag.Antenna < minAntenna || tag.Antenna > maxAntenna || len(tag.UII) == 0 {
			continue
		}
		seen[tag.Code()] = struct{}{}
	}
	return sortedCodes(seen), nil
}

func sortedCodes(seen map[string]struct{}) []string {
	codes := maps.Keys(seen)
	slices.Sort(codes)
	return codes
}

// HandleCommand services a control request on the open handle.
func (w *Worker) HandleCommand(cmd Command) Response {
	if w.reader == nil {
		return errorResponse(cmd.ID, "device not connected")
	}
	switch cmd.Kind {
	case CommandGetParams:
		p, err := w.reader.Params()
		if err != nil {
			return errorResponse(cmd.ID, err.Error())
		}
		return okResponse(cmd.ID, p)
	case CommandSetParam:
		v, err := uhf.ParseParam(cmd.Key, cmd.Value)
		if err != nil {
			return errorResponse(cmd.ID, err.Error())
		}
		p, err := w.reader.Params()
		if err != nil {
			return errorResponse(cmd.ID, err.Error())
		}
		p = p.Apply(cmd.Key, v)
		if err := w.reader.SetParams(p); err != nil {
			return errorResponse(cmd.ID, err.Error())
		}
		w.logger.Info().Str("key", cmd.Key).Int("value", v).Msg("device parameter written")
		return okResponse(cmd.ID, p)
	default:
		return errorResponse(cmd.ID, fmt.Sprintf("unknown command %d", cmd.Kind))
	}
}

func (w *Worker) Close() error {
	if w.reader == nil {
		return nil
	}
	err := w.reader.Close()
	w.reader = nil
	return err
}

func (w *Worker) result(kind ResultKind) Result {
	return Result{
		Kind:       kind,
		DeviceID:   w.cfg.DeviceID,
		LocationID: w.cfg.LocationID,
		Timestamp:  time.Now(),
		Serial:     w.serial,
	}
}

func (w *Worker) emit(ctx context.Context, link Link, r Result) bool {
	select {
	case link.Results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) reply(ctx context.Context, link Link, resp Response) {
	select {
	case link.Responses <- resp:
	case <-ctx.Done():
	}
}

// Run connects then scans until ctx is cancelled or the handle dies. It reports
// connection_failed or fatal on its result channel before returning an error.
func (w *Worker) Run(ctx context.Context, link Link) error {
	defer w.Close()
	serial, err := w.Connect(ctx)
	if err != nil {
		w.logger.Err(err).Msg("connect failed")
		failed := w.result(ResultStatus)
		failed.Status = StatusConnectionFailed
		failed.Reason = err.Error()
		w.emit(ctx, link, failed)
		return err
	}
	w.logger.Info().Str("sn", serial).Msg("device connected")
	connected := w.result(ResultStatus)
	connected.Status = StatusConnected
	w.emit(ctx, link, connected)

	window := w.ReadWindow()
	failures := 0
	lastIdle := time.Time{}
	for ctx.Err() == nil {
		// drain one pending command before scanning so command latency is one cycle at most
		select {
		case cmd := <-link.Commands:
			w.reply(ctx, link, w.HandleCommand(cmd))
			continue
		default:
		}

		tags, err := w.ScanCycle(ctx, window)
		if err != nil {
			failures++
			switch {
			case uhf.IsFatal(err), !uhf.IsRecoverable(err) && failures >= maxConsecutiveErrors:
				return w.fatal(ctx, link, err)
			}
			backoff := recoverableBackoff * time.Duration(1<<internal.Clamp(failures-1, 0, 5))
			w.logger.Warn().Err(err).Int("failures", failures).Dur("backoff", backoff).Msg("scan cycle failed")
			if !sleepCtx(ctx, internal.Clamp(backoff, recoverableBackoff, maxBackoff)) {
				break
			}
			continue
		}
		failures = 0

		if len(tags) > 0 {
			batch := w.result(ResultBatch)
			batch.Tags = tags
			if !w.emit(ctx, link, batch) {
				break
			}
		} else if time.Since(lastIdle) >= w.cfg.DBUpdateInterval {
			lastIdle = time.Now()
			select {
			case link.Results <- w.result(ResultIdle):
			default:
				// reconciler is behind, a null result is not worth waiting for
			}
		}

		// sleep the scan interval but wake for commands
		timer := time.NewTimer(w.cfg.ScanInterval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		case cmd := <-link.Commands:
			w.reply(ctx, link, w.HandleCommand(cmd))
		}
		timer.Stop()
	}
	w.logger.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) fatal(ctx context.Context, link Link, err error) error {
	w.logger.Err(err).Msg("unrecoverable reader error, stopping worker")
	r := w.result(ResultStatus)
	r.Status = StatusFatal
	r.Reason = err.Error()
	w.emit(ctx, link, r)
	return err
}
