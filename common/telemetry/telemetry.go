// Package telemetry holds the engine's debugging surfaces: a localhost
// pprof listener and duration recording on the structured logger.
package telemetry

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/lyzr/nodeflow/common/logger"
)

// Telemetry exposes profiling and timing helpers for a service.
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
}

// New creates telemetry for a service. pprofPort 0 disables the
// profiling listener.
func New(pprofPort int, log *logger.Logger) *Telemetry {
	t := &Telemetry{log: log}
	if pprofPort > 0 {
		t.pprofAddr = fmt.Sprintf("localhost:%d", pprofPort)
	}
	return t
}

// Start brings up the pprof listener if one is configured. The listener
// binds to localhost only.
func (t *Telemetry) Start() {
	if t.pprofAddr == "" {
		return
	}

	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()
}

// RecordDuration logs how long an operation took. Use with defer:
//
//	defer tel.RecordDuration("execute_node", time.Now())
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
