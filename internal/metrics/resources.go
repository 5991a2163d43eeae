package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the tunnel process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls periodic sampling of the tunnel process.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

const (
	defaultSampleInterval = 5 * time.Second
	defaultMaxHistory     = 120
)

// ResourceCollector samples CPU and memory of whatever PID the supplied
// function returns. A PID of 0 means no tunnel is running; history is reset
// whenever the PID changes so readings never mix two processes.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration

	mu      sync.RWMutex
	ring    []Sample
	start   int
	count   int
	pid     int32
	handle  *process.Process
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	size := cfg.MaxHistory
	if size <= 0 {
		size = defaultMaxHistory
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		ring:       make([]Sample, size),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the tunnel process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the tunnel process in MB."),
		numThreads: gauge("num_threads", "Thread count of the tunnel process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the tunnel process (Unix only)."),
	}
}

func (c *ResourceCollector) Enabled() bool { return c.enabled }

// RegisterMetrics registers the resource gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, currentPID func() int) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, int32(currentPID()))
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one reading of pid.
func (c *ResourceCollector) Collect(ctx context.Context, pid int32) {
	c.mu.Lock()
	if pid != c.pid {
		c.resetLocked()
		c.pid = pid
	}
	c.mu.Unlock()
	if pid <= 0 {
		return
	}
	s, err := c.sample(ctx, pid)
	if err != nil {
		slog.Debug("tunnel resource sample failed", "pid", pid, "error", err)
		return
	}
	label := fmt.Sprint(pid)
	c.cpuPercent.WithLabelValues(label).Set(s.CPUPercent)
	c.memoryMB.WithLabelValues(label).Set(s.MemoryMB)
	c.numThreads.WithLabelValues(label).Set(float64(s.NumThreads))
	if s.NumFDs > 0 {
		c.numFDs.WithLabelValues(label).Set(float64(s.NumFDs))
	}
	c.add(s)
}

func (c *ResourceCollector) sample(ctx context.Context, pid int32) (Sample, error) {
	c.mu.Lock()
	proc := c.handle
	if proc == nil || proc.Pid != pid {
		var err error
		proc, err = process.NewProcessWithContext(ctx, pid)
		if err != nil {
			c.mu.Unlock()
			return Sample{}, fmt.Errorf("failed to open process: %w", err)
		}
		// The handle is reused so CPUPercent measures between ticks.
		c.handle = proc
	}
	c.mu.Unlock()

	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read memory info: %w", err)
	}
	threads, _ := proc.NumThreadsWithContext(ctx)
	s := Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

func (c *ResourceCollector) add(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.PID != c.pid {
		return
	}
	if c.count < len(c.ring) {
		c.ring[(c.start+c.count)%len(c.ring)] = s
		c.count++
		return
	}
	c.ring[c.start] = s
	c.start = (c.start + 1) % len(c.ring)
}

func (c *ResourceCollector) resetLocked() {
	if c.pid > 0 {
		label := fmt.Sprint(c.pid)
		c.cpuPercent.DeleteLabelValues(label)
		c.memoryMB.DeleteLabelValues(label)
		c.numThreads.DeleteLabelValues(label)
		c.numFDs.DeleteLabelValues(label)
	}
	c.start, c.count = 0, 0
	c.handle = nil
}

// Latest returns the most recent sample.
func (c *ResourceCollector) Latest() (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return Sample{}, false
	}
	return c.ring[(c.start+c.count-1)%len(c.ring)], true
}

// History returns samples oldest first.
func (c *ResourceCollector) History() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sample, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.ring[(c.start+i)%len(c.ring)]
	}
	return out
}
