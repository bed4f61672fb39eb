package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// Session goroutines get a hub cloned per device (see SessionHub) so that reports carry
// the device and location tags; everything else shares the current hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// SessionHub returns a context carrying a hub scoped to one device session.
func SessionHub(ctx context.Context, deviceID string, locationID int) context.Context {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("device", deviceID)
		scope.SetTag("location", fmt.Sprintf("%d", locationID))
	})
	return sentry.SetHubOnContext(ctx, hub)
}

// ReportPanicsToSentry checks for panics by calling recover, reports any panic found to
// sentry, and then reraises the panic. To have tracebacks included in the report to
// sentry, ReportPanicsToSentry must be called directly in a deferred call:
//
//	defer internal.ReportPanicsToSentry()
func ReportPanicsToSentry() {
	panicData := recover()
	if panicData == nil {
		return
	}
	sentry.CurrentHub().Recover(panicData)
	sentry.Flush(time.Second * 5)
	panic(panicData)
}
