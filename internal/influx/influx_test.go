package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/pkg/core"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSnapshotPoint(t *testing.T) {
	p := SnapshotPoint(core.StatusSnapshot{
		Time:             ts,
		Domain:           "hub",
		LandingState:     "enabled",
		PhysicsEnabled:   true,
		MissingSequences: 3,
		NacksSent:        7,
		ElementCounts:    map[string]uint64{"total": 12},
	})

	line := influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
	assert.Contains(t, line, MeasurementStreaming+",domain=hub,landingState=enabled ")
	assert.Contains(t, line, "physicsEnabled=true")
	assert.Contains(t, line, "missingSequences=3i")
	assert.Contains(t, line, "nacksSent=7u")
	assert.Contains(t, line, "elements_total=12u")
	assert.Contains(t, line, " 1772366400000000000")
}

func TestTransitionPoint(t *testing.T) {
	p := TransitionPoint(core.LandingTransition{
		Time:   ts,
		Domain: "hub",
		From:   "waiting_for_data",
		To:     "waiting_for_stability",
		Reason: "scene data complete",
	})

	line := influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
	assert.Contains(t, line, MeasurementLanding+",domain=hub,from=waiting_for_data,to=waiting_for_stability ")
	assert.Contains(t, line, `reason="scene data complete"`)
}

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(config.InfluxConfig{Enabled: false}, zerolog.Nop(), "")
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisabled)
	assert.Error(t, m.WritePoint(SnapshotPoint(core.StatusSnapshot{Time: ts})))
	assert.NoError(t, m.Close())
}

func TestConnect_UnreachableFallsBackToBackup(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "influx_backup.log.gz")
	m := NewManager(config.InfluxConfig{
		Enabled:  true,
		Protocol: "http",
		Host:     "127.0.0.1",
		Port:     "1",
		Org:      "scenestream",
		Bucket:   "streaming",
	}, zerolog.Nop(), backup)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.False(t, m.IsValid())
	assert.Equal(t, "http://127.0.0.1:1", m.URL())

	require.NoError(t, m.WritePoint(SnapshotPoint(core.StatusSnapshot{Time: ts, Domain: "hub"})))
	require.NoError(t, m.WritePoint(TransitionPoint(core.LandingTransition{Time: ts, Domain: "hub", To: "enabled"})))
	require.NoError(t, m.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	assert.Contains(t, string(data), MeasurementStreaming+",domain=hub")
	assert.Contains(t, string(data), MeasurementLanding+",domain=hub")
}
