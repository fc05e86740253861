package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/daniellavrushin/pktreplay/replay"
	"github.com/google/go-cmp/cmp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var _ replay.Observer = (*MetricsCollector)(nil)

func TestCollectorCounts(t *testing.T) {
	m := NewCollector(nil)
	m.StateChanged(replay.Idle, replay.Running)
	m.PacketSent("eth1", 100)
	m.PacketSent("eth1", 50)
	m.PacketSent("eth2", 60)
	m.PacketFailed("eth2", errors.New("link down"))
	m.StateChanged(replay.Running, replay.Stopped)
	m.StateChanged(replay.Stopped, replay.Running)

	s := m.GetSnapshot()
	if s.PacketsSent != 3 || s.BytesSent != 210 || s.PacketsFailed != 1 || s.Runs != 2 {
		t.Errorf("snapshot = %+v", s)
	}
	if diff := cmp.Diff(map[string]uint64{"eth1": 2, "eth2": 1}, s.InterfaceDist); diff != "" {
		t.Errorf("interface dist (-want +got):\n%s", diff)
	}
	if s.State != "running" {
		t.Errorf("state = %q", s.State)
	}
	if len(s.RecentEvents) != 4 || s.RecentEvents[0].Message != "replay stopped -> running" {
		t.Errorf("events = %+v", s.RecentEvents)
	}
}

func TestRecentEventsBounded(t *testing.T) {
	m := NewCollector(nil)
	for i := 0; i < 3*recentEvents; i++ {
		m.RecordEvent("info", "x")
	}
	if n := len(m.GetSnapshot().RecentEvents); n != recentEvents {
		t.Errorf("kept %d events, want %d", n, recentEvents)
	}
}

func TestUpdateRates(t *testing.T) {
	m := NewCollector(nil)
	m.lastUpdate = time.Now().Add(-time.Second)
	for i := 0; i < 10; i++ {
		m.PacketSent("eth1", 125000)
	}
	m.updateRates()

	s := m.GetSnapshot()
	if s.CurrentPPS <= 0 || s.CurrentPPS > 10 {
		t.Errorf("pps = %v", s.CurrentPPS)
	}
	if s.CurrentMbps <= 0 || s.CurrentMbps > 10 {
		t.Errorf("mbps = %v", s.CurrentMbps)
	}
	if len(s.PacketRate) != 1 || len(s.ThroughputRate) != 1 {
		t.Errorf("series lengths %d/%d", len(s.PacketRate), len(s.ThroughputRate))
	}

	for i := 0; i < 2*seriesLen; i++ {
		m.updateRates()
	}
	if n := len(m.GetSnapshot().PacketRate); n != seriesLen {
		t.Errorf("series kept %d points", n)
	}
}

func TestSmoothTimeSeries(t *testing.T) {
	in := []TimeSeriesPoint{{1, 0}, {2, 3}, {3, 6}, {4, 9}}
	got := smoothTimeSeriesData(in, 3)
	want := []TimeSeriesPoint{{1, 1.5}, {2, 3}, {3, 6}, {4, 7.5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("smoothed (-want +got):\n%s", diff)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + time.Minute, "2h 1m 0s"},
		{50 * time.Hour, "2d 2h 0m 0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestOtelInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m := NewCollector(provider.Meter(meterName))
	m.StateChanged(replay.Idle, replay.Running)
	m.PacketSent("eth1", 100)
	m.PacketSent("eth1", 100)
	m.PacketFailed("eth1", errors.New("x"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				got[md.Name] += dp.Value
			}
		}
	}
	want := map[string]int64{
		"replay.packets.sent":   2,
		"replay.bytes.sent":     200,
		"replay.packets.failed": 1,
		"replay.runs":           1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("otel sums (-want +got):\n%s", diff)
	}
}
