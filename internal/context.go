package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "rfid_session"
)

// logging metadata for a single device session
type data struct {
	deviceID   string
	locationID int
	serial     string
	batchSize  int
}

// SessionContext prepares a context so it can carry session info for log lines.
func SessionContext(ctx context.Context, deviceID string, locationID int) context.Context {
	d := &data{
		deviceID:   deviceID,
		locationID: locationID,
		batchSize:  -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetSessionContextSerial records the hardware serial once the worker has reported it.
// Need to have called SessionContext first.
func SetSessionContextSerial(ctx context.Context, serial string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.serial = serial
}

func SetSessionContextBatch(ctx context.Context, batchSize int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.batchSize = batchSize
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.deviceID != "" {
		l = l.Str("device", da.deviceID)
	}
	if da.locationID > 0 {
		l = l.Int("loc", da.locationID)
	}
	if da.serial != "" {
		l = l.Str("sn", da.serial)
	}
	if da.batchSize >= 0 {
		l = l.Int("n", da.batchSize)
	}
	return l
}
