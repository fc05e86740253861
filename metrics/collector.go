package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/replay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName     = "github.com/daniellavrushin/pktreplay"
	seriesLen     = 60
	recentEvents  = 20
	smoothingSpan = 3
)

type MetricsCollector struct {
	PacketsSent   uint64            `json:"packets_sent"`
	BytesSent     uint64            `json:"bytes_sent"`
	PacketsFailed uint64            `json:"packets_failed"`
	Runs          uint64            `json:"runs"`
	InterfaceDist map[string]uint64 `json:"interface_dist"`
	CurrentPPS    float64           `json:"current_pps"`
	CurrentMbps   float64           `json:"current_mbps"`
	State         string            `json:"state"`

	PacketRate     []TimeSeriesPoint `json:"packet_rate"`
	ThroughputRate []TimeSeriesPoint `json:"throughput_rate"`
	StartTime      time.Time         `json:"start_time"`
	Uptime         string            `json:"uptime"`
	MemoryUsage    MemoryStats       `json:"memory_usage"`
	RecentEvents   []SystemEvent     `json:"recent_events"`

	lastUpdate      time.Time    `json:"-"`
	mu              sync.RWMutex `json:"-"`
	lastPacketCount uint64       `json:"-"`
	lastByteCount   uint64       `json:"-"`
	inst            *instruments `json:"-"`
}

type TimeSeriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type MemoryStats struct {
	Allocated      uint64  `json:"allocated"`
	TotalAllocated uint64  `json:"total_allocated"`
	System         uint64  `json:"system"`
	Percent        float64 `json:"percent"`
	HeapAlloc      uint64  `json:"heap_alloc"`
	HeapInuse      uint64  `json:"heap_inuse"`
	NumGC          uint32  `json:"num_gc"`
}

type SystemEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// instruments mirror the counters into OpenTelemetry. They report through
// whatever meter provider is installed when they are created; the global
// one delegates once otel.SetMeterProvider is called.
type instruments struct {
	sent   metric.Int64Counter
	bytes  metric.Int64Counter
	failed metric.Int64Counter
	runs   metric.Int64Counter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.sent, err = m.Int64Counter("replay.packets.sent",
		metric.WithDescription("Packets written to an interface"), metric.WithUnit("{packet}")); err != nil {
		return nil, err
	}
	if in.bytes, err = m.Int64Counter("replay.bytes.sent",
		metric.WithDescription("Bytes written to an interface"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if in.failed, err = m.Int64Counter("replay.packets.failed",
		metric.WithDescription("Sends rejected by the interface"), metric.WithUnit("{packet}")); err != nil {
		return nil, err
	}
	if in.runs, err = m.Int64Counter("replay.runs",
		metric.WithDescription("Replay runs started")); err != nil {
		return nil, err
	}
	return &in, nil
}

var (
	metricsCollector *MetricsCollector
	metricsOnce      sync.Once
)

// GetMetricsCollector returns the process-wide collector, starting its
// once-per-second rate sampler on first use.
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		metricsCollector = NewCollector(otel.Meter(meterName))
		go metricsCollector.updateLoop()
	})
	return metricsCollector
}

// NewCollector builds a collector reporting to meter. A nil meter disables
// the OpenTelemetry instruments.
func NewCollector(meter metric.Meter) *MetricsCollector {
	m := &MetricsCollector{
		StartTime:      time.Now(),
		InterfaceDist:  make(map[string]uint64),
		PacketRate:     make([]TimeSeriesPoint, 0, seriesLen),
		ThroughputRate: make([]TimeSeriesPoint, 0, seriesLen),
		RecentEvents:   make([]SystemEvent, 0, recentEvents),
		State:          replay.Idle.String(),
		lastUpdate:     time.Now(),
	}
	if meter != nil {
		inst, err := newInstruments(meter)
		if err != nil {
			log.Errorf("Failed to create metric instruments: %v", err)
		} else {
			m.inst = inst
		}
	}
	return m
}

func (m *MetricsCollector) updateLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.updateRates()
		m.updateSystemStats()
	}
}

func (m *MetricsCollector) updateRates() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	duration := now.Sub(m.lastUpdate).Seconds()
	if duration <= 0 {
		return
	}

	packetDiff := m.PacketsSent - m.lastPacketCount
	byteDiff := m.BytesSent - m.lastByteCount

	m.CurrentPPS = float64(packetDiff) / duration
	m.CurrentMbps = float64(byteDiff) * 8 / duration / 1e6

	nowMs := now.UnixMilli()
	m.PacketRate = appendPoint(m.PacketRate, TimeSeriesPoint{Timestamp: nowMs, Value: m.CurrentPPS})
	m.ThroughputRate = appendPoint(m.ThroughputRate, TimeSeriesPoint{Timestamp: nowMs, Value: m.CurrentMbps})

	m.lastUpdate = now
	m.lastPacketCount = m.PacketsSent
	m.lastByteCount = m.BytesSent

	m.Uptime = formatDuration(now.Sub(m.StartTime))
}

func appendPoint(series []TimeSeriesPoint, p TimeSeriesPoint) []TimeSeriesPoint {
	series = append(series, p)
	if len(series) > seriesLen {
		series = series[len(series)-seriesLen:]
	}
	return series
}

func (m *MetricsCollector) updateSystemStats() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.MemoryUsage = MemoryStats{
		Allocated:      memStats.Alloc,
		TotalAllocated: memStats.TotalAlloc,
		System:         memStats.Sys,
		NumGC:          memStats.NumGC,
		HeapAlloc:      memStats.HeapAlloc,
		HeapInuse:      memStats.HeapInuse,
		Percent:        float64(memStats.Alloc) / float64(memStats.Sys) * 100,
	}
}

func (m *MetricsCollector) PacketSent(iface string, bytes int) {
	m.mu.Lock()
	m.PacketsSent++
	m.BytesSent += uint64(bytes)
	m.InterfaceDist[iface]++
	inst := m.inst
	m.mu.Unlock()

	if inst != nil {
		attrs := metric.WithAttributes(attribute.String("interface", iface))
		inst.sent.Add(context.Background(), 1, attrs)
		inst.bytes.Add(context.Background(), int64(bytes), attrs)
	}
}

func (m *MetricsCollector) PacketFailed(iface string, err error) {
	m.mu.Lock()
	m.PacketsFailed++
	inst := m.inst
	m.mu.Unlock()

	if inst != nil {
		inst.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("interface", iface)))
	}
	m.RecordEvent("warn", fmt.Sprintf("send on %s failed: %v", iface, err))
}

func (m *MetricsCollector) StateChanged(from, to replay.State) {
	m.mu.Lock()
	m.State = to.String()
	if to == replay.Running && (from == replay.Idle || from == replay.Stopped || from == replay.Aborted) {
		m.Runs++
		if m.inst != nil {
			m.inst.runs.Add(context.Background(), 1)
		}
	}
	m.mu.Unlock()

	level := "info"
	if to == replay.Aborted {
		level = "warn"
	}
	m.RecordEvent(level, fmt.Sprintf("replay %s -> %s", from, to))
}

func (m *MetricsCollector) RecordEvent(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event := SystemEvent{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}

	m.RecentEvents = append([]SystemEvent{event}, m.RecentEvents...)
	if len(m.RecentEvents) > recentEvents {
		m.RecentEvents = m.RecentEvents[:recentEvents]
	}
}

func (m *MetricsCollector) GetSnapshot() *MetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := &MetricsCollector{
		PacketsSent:   m.PacketsSent,
		BytesSent:     m.BytesSent,
		PacketsFailed: m.PacketsFailed,
		Runs:          m.Runs,
		CurrentPPS:    m.CurrentPPS,
		CurrentMbps:   m.CurrentMbps,
		State:         m.State,
		StartTime:     m.StartTime,
		Uptime:        m.Uptime,
		MemoryUsage:   m.MemoryUsage,
	}

	snapshot.InterfaceDist = make(map[string]uint64, len(m.InterfaceDist))
	for k, v := range m.InterfaceDist {
		snapshot.InterfaceDist[k] = v
	}

	snapshot.RecentEvents = make([]SystemEvent, len(m.RecentEvents))
	copy(snapshot.RecentEvents, m.RecentEvents)

	snapshot.PacketRate = smoothTimeSeriesData(m.PacketRate, smoothingSpan)
	snapshot.ThroughputRate = smoothTimeSeriesData(m.ThroughputRate, smoothingSpan)
	return snapshot
}

func smoothTimeSeriesData(data []TimeSeriesPoint, windowSize int) []TimeSeriesPoint {
	if len(data) <= windowSize {
		out := make([]TimeSeriesPoint, len(data))
		copy(out, data)
		return out
	}

	smoothed := make([]TimeSeriesPoint, len(data))

	for i := range data {
		sum := 0.0
		count := 0

		for j := max(0, i-windowSize/2); j <= min(len(data)-1, i+windowSize/2); j++ {
			sum += data[j].Value
			count++
		}

		smoothed[i] = TimeSeriesPoint{
			Timestamp: data[i].Timestamp,
			Value:     sum / float64(count),
		}
	}

	return smoothed
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
