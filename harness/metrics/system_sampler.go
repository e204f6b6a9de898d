package metrics

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// ResourceSample is one CPU/memory observation of a launched service process.
type ResourceSample struct {
	Service    string    `json:"service"`
	PID        int32     `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
}

// SystemSampler periodically samples resource usage of the service processes
// launched by the harness. Samples are kept in memory for the session; a
// runaway service shows up here long before it fails a test.
type SystemSampler struct {
	mu       sync.Mutex
	procs    map[string]*process.Process
	samples  []ResourceSample
	interval time.Duration
	stopCh   chan struct{}
	running  bool
	log      logrus.FieldLogger
}

// NewSystemSampler creates a sampler collecting at the given interval.
func NewSystemSampler(interval time.Duration, log logrus.FieldLogger) *SystemSampler {
	return &SystemSampler{
		procs:    make(map[string]*process.Process),
		interval: interval,
		stopCh:   make(chan struct{}),
		log:      log.WithField("component", "system-sampler"),
	}
}

// Track adds a launched service process to the sampling set. Unknown or
// already-dead PIDs are skipped with a warning.
func (s *SystemSampler) Track(service string, pid int) {
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"service": service,
			"pid":     pid,
		}).Warn("Cannot sample process")
		return
	}
	s.mu.Lock()
	s.procs[service] = proc
	s.mu.Unlock()
}

// Start begins the sampling loop. Calling Start twice is a no-op.
func (s *SystemSampler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.collect()
}

// Stop halts sampling. Collected samples remain available.
func (s *SystemSampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
}

// Samples returns a copy of all samples collected so far.
func (s *SystemSampler) Samples() []ResourceSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResourceSample, len(s.samples))
	copy(out, s.samples)
	return out
}

func (s *SystemSampler) collect() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *SystemSampler) sampleOnce() {
	s.mu.Lock()
	tracked := make(map[string]*process.Process, len(s.procs))
	for name, p := range s.procs {
		tracked[name] = p
	}
	s.mu.Unlock()

	now := time.Now()
	for name, p := range tracked {
		cpu, err := p.CPUPercent()
		if err != nil {
			// Process likely exited between ticks; drop it from the set.
			s.mu.Lock()
			delete(s.procs, name)
			s.mu.Unlock()
			continue
		}
		sample := ResourceSample{
			Service:    name,
			PID:        p.Pid,
			Timestamp:  now,
			CPUPercent: cpu,
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			sample.RSSBytes = mem.RSS
		}
		s.mu.Lock()
		s.samples = append(s.samples, sample)
		s.mu.Unlock()
	}
}
