//go:build !debug

package watchdog

import (
	"fmt"
	"log/slog"

	"github.com/OCAP2/scenestream/pkg/core"
)

const crashEnabled = true

// crashProcess panics on the watchdog goroutine. Nothing recovers it, so the
// process dies with the stack of every goroutine.
func crashProcess(logger *slog.Logger, r core.StallReport) {
	logger.Error("terminating stalled process", "lastHeartbeatAge", r.LastHeartbeatAge)
	panic(fmt.Sprintf("deadlock watchdog: game loop unresponsive for %s (ceiling %s)", r.LastHeartbeatAge, r.Ceiling))
}
