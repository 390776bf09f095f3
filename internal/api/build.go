package api

import (
	"github.com/tokenissuer/tokenissuer/internal/config"
	"github.com/tokenissuer/tokenissuer/internal/issuer"
	"github.com/tokenissuer/tokenissuer/internal/logging"
	"github.com/tokenissuer/tokenissuer/internal/metrics"
)

// Build wires a Server and its collaborators from cfg. The returned server
// owns the audit store and closes it on Shutdown.
func Build(cfg *config.Config, logger *logging.Logger, version string) (*Server, error) {
	if logger == nil {
		logger = logging.NewLogger()
	}
	if level, err := logging.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	var auditStore logging.AuditStore = logging.NewNoopAuditStore()
	if cfg.Audit.Enabled {
		store, err := logging.NewSQLiteAuditStoreWithRetention(cfg.Audit.Path, cfg.Audit.Retention, cfg.Audit.CleanupInterval)
		if err != nil {
			return nil, err
		}
		store.SetLogger(logger)
		auditStore = store
		logger.Info("audit trail enabled", "path", cfg.Audit.Path, "retention", cfg.Audit.Retention.String())
	}

	iss := issuer.New(issuer.WithMetrics(m), issuer.WithLogger(logger))

	return NewServer(cfg.Server, cfg.API, iss, Options{
		AuditStore: auditStore,
		Metrics:    m,
		Logger:     logger,
		Version:    version,
	}), nil
}
