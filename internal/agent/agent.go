// Package agent is the long-running serve mode: it hosts the recurring
// tasks (health monitoring, scheduled backups, certificate renewal) and a
// small JSON API for stackpilotctl.
package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/backup"
	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/events"
	"github.com/stackpilot/stackpilot/internal/faults"
	"github.com/stackpilot/stackpilot/internal/health"
	"github.com/stackpilot/stackpilot/internal/orchestrator"
)

// Agent runs the recurring task managers and the control API.
type Agent struct {
	orch    *orchestrator.Orchestrator
	backups *backup.Manager
	monitor *health.Monitor
	pub     *events.Publisher
	addr    string
}

// New wires an agent for an already provisioned host.
func New(ctx context.Context, orch *orchestrator.Orchestrator, pub *events.Publisher, addr string) (*Agent, error) {
	cfg := orch.Config()
	ctrl, err := orch.Controller(ctx)
	if err != nil {
		return nil, err
	}
	monitor := health.NewMonitor(ctrl, cfg.StateDir, cfg.Health)
	monitor.OnEvent(pub.Publish)
	backups := backup.NewManager(cfg.StateDir, cfg.Backup, cfg.Database, cfg.App)
	return &Agent{
		orch:    orch,
		backups: backups,
		monitor: monitor,
		pub:     pub,
		addr:    addr,
	}, nil
}

// Run blocks until ctx is cancelled, supervising the recurring tasks and
// the API listener.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.monitor.Run(ctx)
	go a.backups.Run(ctx)
	go a.certLoop(ctx)

	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.addr).Msg("control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// certLoop re-checks certificate validity on the configured cadence. The
// check is a no-op outside the renewal window, so running it often is
// cheap; a renewal failure with a still-valid certificate is a warning.
func (a *Agent) certLoop(ctx context.Context) {
	every := config.Duration(a.orch.Config().Certs.CheckEvery, 12*time.Hour)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.orch.RenewCertificates(ctx); err != nil {
				var re *faults.RenewalError
				if errors.As(err, &re) {
					log.Warn().Err(err).Msg("certificate renewal deferred")
					continue
				}
				log.Error().Err(err).Msg("certificate renewal failed")
			}
		}
	}
}
