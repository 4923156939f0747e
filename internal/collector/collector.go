// Package collector polls platform capabilities and feeds the sessionizers.
//
// Platform support is injected at startup: a build provides real
// implementations of the capability interfaces where the OS allows it and
// Noop ones elsewhere. Nothing downstream inspects which it got.
package collector

import (
	"context"
	"time"
)

// IdleSample is one reading of how long the user has been inactive.
type IdleSample struct {
	IdleDuration time.Duration
}

// AppSample is one reading of the foreground application.
type AppSample struct {
	AppName     string
	WindowTitle string
}

// IdleCollector reads user inactivity. A nil sample means the platform had
// nothing to report this tick.
type IdleCollector interface {
	IdleState(ctx context.Context) (*IdleSample, error)
}

// AppCollector reads the foreground application.
type AppCollector interface {
	FocusedApp(ctx context.Context) (*AppSample, error)
}

// NoopIdleCollector reports nothing. Used on platforms without idle
// detection.
type NoopIdleCollector struct{}

func (NoopIdleCollector) IdleState(context.Context) (*IdleSample, error) { return nil, nil }

// NoopAppCollector reports nothing.
type NoopAppCollector struct{}

func (NoopAppCollector) FocusedApp(context.Context) (*AppSample, error) { return nil, nil }
