//go:build debug

package watchdog

import (
	"log/slog"

	"github.com/OCAP2/scenestream/pkg/core"
)

const crashEnabled = false

// crashProcess only logs in debug builds so a paused debugger is not killed.
func crashProcess(logger *slog.Logger, r core.StallReport) {
	logger.Warn("stall detected, not terminating in debug build", "lastHeartbeatAge", r.LastHeartbeatAge)
}
