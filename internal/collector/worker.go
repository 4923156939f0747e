package collector

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tracklet/tracklet/internal/track"
)

// Worker polls the collectors on a fixed interval and routes each sample to
// every sessionizer that consumes it. Idle samples feed both the idle and
// web sessionizers; app samples feed both the app and web sessionizers.
type Worker struct {
	idle     IdleCollector
	app      AppCollector
	appSess  *track.AppSessionizer
	idleSess *track.IdleSessionizer
	webSess  *track.WebSessionizer
	interval time.Duration
	log      *slog.Logger
}

func NewWorker(idle IdleCollector, app AppCollector, appSess *track.AppSessionizer, idleSess *track.IdleSessionizer, webSess *track.WebSessionizer, interval time.Duration, log *slog.Logger) *Worker {
	if interval < time.Second {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		idle:     idle,
		app:      app,
		appSess:  appSess,
		idleSess: idleSess,
		webSess:  webSess,
		interval: interval,
		log:      log,
	}
}

// Run polls until ctx is canceled, then drains the open sessions.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle.
func (w *Worker) Tick(ctx context.Context) {
	now := time.Now().UTC()

	if idle, err := w.idle.IdleState(ctx); err != nil {
		w.log.Error("idle collector", "err", err)
	} else if idle != nil {
		if err := w.idleSess.HandleIdleState(ctx, idle.IdleDuration, now); err != nil {
			w.log.Error("idle sessionizer", "err", err)
		}
		if err := w.webSess.HandleIdleState(ctx, idle.IdleDuration, now); err != nil {
			w.log.Error("web sessionizer idle", "err", err)
		}
	}

	if app, err := w.app.FocusedApp(ctx); err != nil {
		w.log.Error("app collector", "err", err)
	} else if app != nil && strings.TrimSpace(app.AppName) != "" {
		if err := w.appSess.HandleAppFocus(ctx, app.AppName, app.WindowTitle, now); err != nil {
			w.log.Error("app sessionizer", "err", err)
		}
		if err := w.webSess.HandleAppFocus(ctx, app.AppName, now); err != nil {
			w.log.Error("web sessionizer focus", "err", err)
		}
	}
}

// drain closes open sessions with a short independent context so shutdown
// still flushes after the run context is canceled.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.log.Info("collector shutting down, closing sessions")
	if err := w.appSess.CloseActive(ctx); err != nil {
		w.log.Error("close app session", "err", err)
	}
	if err := w.idleSess.CloseActive(ctx); err != nil {
		w.log.Error("close idle session", "err", err)
	}
	if err := w.webSess.CloseActive(ctx); err != nil {
		w.log.Error("close web session", "err", err)
	}
}
