package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/slices"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/pubsub"
	"github.com/TanatPinkeaw/RFID-Project/scanner"
	"github.com/TanatPinkeaw/RFID-Project/state"
	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

const (
	StatusConnected        = "connected"
	StatusAlreadyConnected = "already_connected"
	StatusConnectionFailed = "connection_failed"
)

type ConnectRequest struct {
	// DeviceID defaults to the reader's serial number.
	DeviceID   string `json:"device_id,omitempty"`
	LocationID int    `json:"location_id"`
	uhf.Descriptor
}

type ConnectResult struct {
	Status       string `json:"status"`
	DeviceID     string `json:"device_id,omitempty"`
	LocationID   int    `json:"location_id"`
	DeviceSerial string `json:"device_serial,omitempty"`
}

// Connect starts a session for the reader described by req and registers it as online.
// A device or location that already has a session is reported as already connected, not
// an error.
func (sv *Supervisor) Connect(ctx context.Context, req ConnectRequest) (ConnectResult, error) {
	ctx, span := internal.StartSpan(ctx, "Connect")
	defer span.End()
	span.SetAttributes(attribute.String("transport", req.Transport), attribute.Int("location", req.LocationID))

	if req.DeviceID != "" {
		if s, ok := sv.GetSession(req.DeviceID); ok {
			return ConnectResult{
				Status:       StatusAlreadyConnected,
				DeviceID:     s.DeviceID,
				LocationID:   s.LocationID,
				DeviceSerial: s.Serial(),
			}, nil
		}
	}
	s, err := sv.StartSession(ctx, req.DeviceID, req.LocationID, req.Descriptor)
	if errors.Is(err, ErrConnectionFailed) {
		return ConnectResult{Status: StatusConnectionFailed, DeviceID: req.DeviceID, LocationID: req.LocationID}, err
	}
	if errors.Is(err, ErrAlreadyConnected) {
		return sv.occupant(req), nil
	}
	if err != nil {
		return ConnectResult{}, err
	}
	now := sv.now()
	err = sv.opts.Devices.Upsert(state.Device{
		DeviceID:    s.DeviceID,
		Serial:      s.Serial(),
		LocationID:  s.LocationID,
		Transport:   s.Descriptor.Transport,
		Address:     s.Descriptor.Address,
		Status:      state.DeviceOnline,
		LastSeen:    &now,
		AutoConnect: true,
	})
	if err != nil {
		// the session runs regardless, the registry row is refreshed on the next status change
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		logger.Err(err).Str("device", s.DeviceID).Msg("failed to register device")
	}
	p := pubsub.NewDeviceStatus(s.DeviceID, s.LocationID, state.DeviceOnline, "")
	p.Serial = s.Serial()
	sv.notify(p)
	return ConnectResult{
		Status:       StatusConnected,
		DeviceID:     s.DeviceID,
		LocationID:   s.LocationID,
		DeviceSerial: s.Serial(),
	}, nil
}

// occupant describes the session that keeps req from connecting: the one serving its
// location, else the one registered under its device ID. Both may still be connecting.
func (sv *Supervisor) occupant(req ConnectRequest) ConnectResult {
	res := ConnectResult{Status: StatusAlreadyConnected, DeviceID: req.DeviceID, LocationID: req.LocationID}
	sv.mu.Lock()
	s, ok := sv.byLocation[req.LocationID]
	if !ok && req.DeviceID != "" {
		s, ok = sv.byDevice[req.DeviceID]
	}
	sv.mu.Unlock()
	if ok {
		res.DeviceID = s.DeviceID
		res.LocationID = s.LocationID
		res.DeviceSerial = s.Serial()
	}
	return res
}

// Disconnect stops a session at an operator's request. The device is not reconnected at
// the next start up.
func (sv *Supervisor) Disconnect(ctx context.Context, deviceID string) error {
	s, ok := sv.GetSession(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	err := sv.StopSession(deviceID)
	if errors.Is(err, ErrNoSession) {
		return err
	}
	if aerr := sv.opts.Devices.SetAutoConnect(deviceID, false); aerr != nil {
		logger.Warn().Err(aerr).Str("device", deviceID).Msg("failed to clear auto connect")
	}
	sv.markOffline(ctx, s, "disconnected")
	return err
}

type ParamsResult struct {
	DeviceID string     `json:"device_id"`
	Params   uhf.Params `json:"params"`
	// Changed is true when Params differs from the previous read.
	Changed     bool     `json:"changed"`
	ChangedKeys []string `json:"changed_keys,omitempty"`
}

// request sends cmd to the worker of deviceID, bounded by the params timeout.
func (sv *Supervisor) request(ctx context.Context, deviceID string, cmd scanner.Command) (*DeviceSession, uhf.Params, error) {
	s, ok := sv.GetSession(deviceID)
	if !ok {
		return nil, uhf.Params{}, fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	h := s.workerHandle()
	if h == nil {
		return nil, uhf.Params{}, fmt.Errorf("%w: %s has no worker", ErrNoSession, deviceID)
	}
	ctx, cancel := context.WithTimeout(ctx, sv.opts.ParamsTimeout)
	defer cancel()
	resp, err := h.Request(ctx, cmd)
	if errors.Is(err, scanner.ErrWorkerExited) {
		return nil, uhf.Params{}, fmt.Errorf("%w: %s: %s", ErrNoSession, deviceID, err)
	}
	if err != nil {
		return nil, uhf.Params{}, fmt.Errorf("%s on %s: %w", cmd.Kind, deviceID, err)
	}
	switch resp.Kind {
	case scanner.ResponseTimeout:
		return nil, uhf.Params{}, fmt.Errorf("%w: %s on %s after %s", ErrProtocolTimeout, cmd.Kind, deviceID, sv.opts.ParamsTimeout)
	case scanner.ResponseError:
		return nil, uhf.Params{}, fmt.Errorf("%s on %s: %s", cmd.Kind, deviceID, resp.Reason)
	}
	if resp.Params == nil {
		return nil, uhf.Params{}, fmt.Errorf("%s on %s: response carried no parameters", cmd.Kind, deviceID)
	}
	return s, *resp.Params, nil
}

// GetParams reads the reader's parameter block through its worker. A slow reader yields
// ErrProtocolTimeout and the worker keeps running.
func (sv *Supervisor) GetParams(ctx context.Context, deviceID string) (ParamsResult, error) {
	ctx, span := internal.StartSpan(ctx, "GetParams")
	defer span.End()
	s, p, err := sv.request(ctx, deviceID, scanner.GetParams())
	if err != nil {
		return ParamsResult{}, err
	}
	prev := s.swapParams(p)
	changed := diffParams(prev, p)
	return ParamsResult{
		DeviceID:    deviceID,
		Params:      p,
		Changed:     len(changed) > 0,
		ChangedKeys: changed,
	}, nil
}

// SetParam writes one parameter to the reader, stores it as a device override and
// restarts the session so the worker runs with the new parameters.
func (sv *Supervisor) SetParam(ctx context.Context, deviceID, key, value string) (uhf.Params, error) {
	ctx, span := internal.StartSpan(ctx, "SetParam")
	defer span.End()
	span.SetAttributes(attribute.String("device", deviceID), attribute.String("key", key))
	if _, err := uhf.ParseParam(key, value); err != nil {
		return uhf.Params{}, err
	}
	s, p, err := sv.request(ctx, deviceID, scanner.SetParam(key, value))
	if err != nil {
		return uhf.Params{}, err
	}
	s.swapParams(p)
	if err := sv.opts.Configs.SetDeviceValue(deviceID, key, value); err != nil {
		return p, fmt.Errorf("persist %s for %s: %w", key, deviceID, err)
	}
	if err := sv.RestartSession(ctx, deviceID); err != nil {
		return p, err
	}
	return p, nil
}

// diffParams returns the JSON keys whose values differ between prev and cur. Nothing has
// changed when there was no previous read.
func diffParams(prev *uhf.Params, cur uhf.Params) []string {
	if prev == nil {
		return nil
	}
	before, _ := json.Marshal(prev)
	after, _ := json.Marshal(cur)
	var changed []string
	gjson.ParseBytes(after).ForEach(func(key, value gjson.Result) bool {
		if gjson.GetBytes(before, key.String()).Int() != value.Int() {
			changed = append(changed, key.String())
		}
		return true
	})
	slices.Sort(changed)
	return changed
}

// AutoConnect connects every registered reader flagged auto_connect. It returns how many
// sessions were started.
func (sv *Supervisor) AutoConnect(ctx context.Context) (int, error) {
	devices, err := sv.opts.Devices.SelectAutoConnect()
	if err != nil {
		return 0, fmt.Errorf("select auto connect devices: %w", err)
	}
	if len(devices) == 0 {
		return 0, nil
	}
	logger.Info().Int("devices", len(devices)).Msg("auto connecting readers")
	var (
		mu        sync.Mutex
		connected int
	)
	pool := internal.NewWorkerPool(sv.opts.AutoConnectWorkers)
	pool.Start()
	for _, d := range devices {
		d := d
		pool.Queue(func() {
			res, err := sv.Connect(ctx, ConnectRequest{
				DeviceID:   d.DeviceID,
				LocationID: d.LocationID,
				Descriptor: uhf.Descriptor{Transport: d.Transport, Address: d.Address},
			})
			if err != nil {
				logger.Warn().Err(err).Str("device", d.DeviceID).Msg("auto connect failed")
				if serr := sv.opts.Devices.SetStatus(d.DeviceID, state.DeviceOffline, sv.now()); serr != nil {
					logger.Err(serr).Str("device", d.DeviceID).Msg("failed to mark device offline")
				}
				return
			}
			if res.Status == StatusConnected {
				mu.Lock()
				connected++
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	return connected, nil
}
