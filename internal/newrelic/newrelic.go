// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	if a == nil {
		return
	}
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new transaction. Returns nil when the agent is
// not running; nil transactions are safe to use.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if a == nil {
		return
	}
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if a == nil {
		return
	}
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordPayoutCycle records a completed payout cycle event
func (a *Agent) RecordPayoutCycle(cycle *storage.PayoutCycle) {
	a.RecordCustomEvent("PayoutCycle", map[string]interface{}{
		"chain":          cycle.Chain,
		"block_hash":     cycle.BlockHash,
		"height":         cycle.Height,
		"pool_type":      string(cycle.PoolType),
		"total_payments": cycle.TotalPayments,
		"percent":        cycle.Percent,
		"corrected":      cycle.Corrected,
	})
	a.RecordCustomMetric("Custom/Payout/Percent", cycle.Percent)
}

// RecordBlockOrphaned records an orphaned-block event
func (a *Agent) RecordBlockOrphaned(chain, hash string, height uint64) {
	a.RecordCustomEvent("BlockOrphaned", map[string]interface{}{
		"chain":  chain,
		"hash":   hash,
		"height": height,
	})
}
