// Package snapshotter samples CPU, memory, event-loop lag, and client
// throttle errors at fixed intervals, retaining a bounded time window
// of classified samples per resource.
//
// CPU and memory sampling follows the teacher's two-point /proc/stat
// delta-sampling idiom (internal/collector/cpu.go); event-loop and
// client samples have no /proc analogue and are driven entirely by
// the configured interval and an injected error-count source.
package snapshotter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Resource identifies one of the four monitored resources.
type Resource int

const (
	ResourceCPU Resource = iota
	ResourceMemory
	ResourceEventLoop
	ResourceClient
)

func (r Resource) String() string {
	switch r {
	case ResourceCPU:
		return "cpu"
	case ResourceMemory:
		return "memory"
	case ResourceEventLoop:
		return "event_loop"
	case ResourceClient:
		return "client"
	default:
		return "unknown"
	}
}

// Snapshot is one classified sample of a single resource.
type Snapshot struct {
	CreatedAt    time.Time
	IsOverloaded bool

	// Measurement holds the resource-specific raw value: CPU used
	// ratio, memory used bytes, event-loop delay, or client error
	// delta count. Interpreting it requires knowing Resource.
	Measurement float64
}

// ClientErrorSource exposes the external HTTP client's rate-limit
// histogram, keyed by retry count.
type ClientErrorSource interface {
	GetRateLimitErrors() map[int]int
}

// SystemInfoEvent carries the CPU and memory measurements that
// RecordSystemInfo records (the payload type for internal/events.SystemInfo).
type SystemInfoEvent struct {
	CPUUsedRatio    float64
	MemoryUsedBytes int64
}

// Config tunes sampling thresholds and intervals. Zero values are
// replaced with the defaults noted below by New.
type Config struct {
	HistoryWindow time.Duration // default 30s

	MaxCPURatio        float64 // overload threshold for CPU used_ratio, default 0.95
	MaxMemoryBytes     int64   // total memory budget
	MaxMemoryRatio     float64 // default 0.9
	MaxEventLoopDelay  time.Duration
	MaxClientErrors    int
	ClientErrorBucket  int // retry-count bucket tracked for client overload, default 2

	EventLoopInterval time.Duration // default 500ms
	ClientInterval    time.Duration // default 1s

	MemoryWarnCooldown time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 30 * time.Second
	}
	if c.MaxCPURatio <= 0 {
		c.MaxCPURatio = 0.95
	}
	if c.MaxMemoryRatio <= 0 {
		c.MaxMemoryRatio = 0.9
	}
	if c.MaxEventLoopDelay <= 0 {
		c.MaxEventLoopDelay = 50 * time.Millisecond
	}
	if c.MaxClientErrors <= 0 {
		c.MaxClientErrors = 1
	}
	if c.ClientErrorBucket <= 0 {
		c.ClientErrorBucket = 2
	}
	if c.EventLoopInterval <= 0 {
		c.EventLoopInterval = 500 * time.Millisecond
	}
	if c.ClientInterval <= 0 {
		c.ClientInterval = time.Second
	}
	if c.MemoryWarnCooldown <= 0 {
		c.MemoryWarnCooldown = 10 * time.Second
	}
	return c
}

// Snapshotter owns four bounded sample histories and the goroutines
// that periodically refresh them.
type Snapshotter struct {
	cfg    Config
	log    zerolog.Logger
	client ClientErrorSource
	now    func() time.Time

	mu       sync.RWMutex
	cpu      []Snapshot
	memory   []Snapshot
	eventLp  []Snapshot
	clientS  []Snapshot

	lastEventLoopSample time.Time
	lastClientBucket    int
	lastMemWarn         time.Time

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Snapshotter. client may be nil if client-overload
// sampling is not needed (its samples will simply stay empty).
func New(cfg Config, client ClientErrorSource, log zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		cfg:    cfg.withDefaults(),
		log:    log,
		client: client,
		now:    time.Now,
	}
}

// ErrAlreadyStarted / ErrNotStarted are lifecycle errors.
var (
	ErrAlreadyStarted = fmt.Errorf("snapshotter: already started")
	ErrNotStarted     = fmt.Errorf("snapshotter: not started")
)

// Start launches the periodic event-loop and client samplers.
func (s *Snapshotter) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.lastEventLoopSample = s.now()

	s.wg.Add(2)
	go s.runPeriodic(runCtx, s.cfg.EventLoopInterval, s.sampleEventLoop)
	go s.runPeriodic(runCtx, s.cfg.ClientInterval, s.sampleClient)
	return nil
}

// Stop halts the periodic samplers and waits for them to exit.
func (s *Snapshotter) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

func (s *Snapshotter) runPeriodic(ctx context.Context, interval time.Duration, sample func()) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sample()
		}
	}
}

// sampleEventLoop records the wall-clock drift since the previous
// scheduled sample, per spec §4.A.
func (s *Snapshotter) sampleEventLoop() {
	now := s.now()
	s.mu.Lock()
	elapsed := now.Sub(s.lastEventLoopSample)
	s.lastEventLoopSample = now
	delay := elapsed - s.cfg.EventLoopInterval
	if delay < 0 {
		delay = 0
	}
	snap := Snapshot{
		CreatedAt:    now,
		Measurement:  delay.Seconds(),
		IsOverloaded: delay > s.cfg.MaxEventLoopDelay,
	}
	s.eventLp = pruneAndAppend(s.eventLp, snap, now, s.cfg.HistoryWindow)
	s.mu.Unlock()
}

// sampleClient reads the external client's retry-bucket histogram and
// tracks its incremental increase since the last sample.
func (s *Snapshotter) sampleClient() {
	if s.client == nil {
		return
	}
	hist := s.client.GetRateLimitErrors()
	current := hist[s.cfg.ClientErrorBucket]

	now := s.now()
	s.mu.Lock()
	delta := current - s.lastClientBucket
	if delta < 0 {
		delta = 0
	}
	s.lastClientBucket = current
	snap := Snapshot{
		CreatedAt:    now,
		Measurement:  float64(delta),
		IsOverloaded: delta > s.cfg.MaxClientErrors,
	}
	s.clientS = pruneAndAppend(s.clientS, snap, now, s.cfg.HistoryWindow)
	s.mu.Unlock()
}

// RecordSystemInfo is the event-driven sampler for CPU/memory: each
// call records one CPU and one memory sample from ev. It is the only
// source of CPU and memory samples; no component in this module calls
// it or publishes SystemInfo events during a crawl run.
func (s *Snapshotter) RecordSystemInfo(ev SystemInfoEvent) {
	now := s.now()
	s.mu.Lock()
	cpuSnap := Snapshot{
		CreatedAt:    now,
		Measurement:  ev.CPUUsedRatio,
		IsOverloaded: ev.CPUUsedRatio > s.cfg.MaxCPURatio,
	}
	s.cpu = pruneAndAppend(s.cpu, cpuSnap, now, s.cfg.HistoryWindow)

	overloadBytes := float64(s.cfg.MaxMemoryBytes) * s.cfg.MaxMemoryRatio
	memSnap := Snapshot{
		CreatedAt:    now,
		Measurement:  float64(ev.MemoryUsedBytes),
		IsOverloaded: s.cfg.MaxMemoryBytes > 0 && float64(ev.MemoryUsedBytes) > overloadBytes,
	}
	s.memory = pruneAndAppend(s.memory, memSnap, now, s.cfg.HistoryWindow)

	warnBytes := float64(s.cfg.MaxMemoryBytes) * (s.cfg.MaxMemoryRatio + (1-s.cfg.MaxMemoryRatio)*0.5)
	shouldWarn := s.cfg.MaxMemoryBytes > 0 && float64(ev.MemoryUsedBytes) > warnBytes &&
		now.Sub(s.lastMemWarn) >= s.cfg.MemoryWarnCooldown
	if shouldWarn {
		s.lastMemWarn = now
	}
	s.mu.Unlock()

	if shouldWarn {
		s.log.Warn().
			Int64("used_bytes", ev.MemoryUsedBytes).
			Int64("budget_bytes", s.cfg.MaxMemoryBytes).
			Msg("memory approaching overload threshold")
	}
}

func pruneAndAppend(history []Snapshot, snap Snapshot, now time.Time, window time.Duration) []Snapshot {
	history = append(history, snap)
	cutoff := now.Add(-window)
	i := 0
	for i < len(history) && history[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		history = append([]Snapshot(nil), history[i:]...)
	}
	return history
}

// GetCPUSample, GetMemorySample, GetEventLoopSample, and GetClientSample
// each return the suffix of the corresponding history within duration
// of the most recent sample, or the full history when duration is 0.
func (s *Snapshotter) GetCPUSample(d time.Duration) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return suffixWithin(s.cpu, d)
}

func (s *Snapshotter) GetMemorySample(d time.Duration) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return suffixWithin(s.memory, d)
}

func (s *Snapshotter) GetEventLoopSample(d time.Duration) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return suffixWithin(s.eventLp, d)
}

func (s *Snapshotter) GetClientSample(d time.Duration) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return suffixWithin(s.clientS, d)
}

func suffixWithin(history []Snapshot, d time.Duration) []Snapshot {
	if len(history) == 0 {
		return nil
	}
	out := make([]Snapshot, len(history))
	copy(out, history)
	if d <= 0 {
		return out
	}
	cutoff := out[len(out)-1].CreatedAt.Add(-d)
	i := 0
	for i < len(out) && out[i].CreatedAt.Before(cutoff) {
		i++
	}
	return out[i:]
}

// ReadProcStatCPURatio is a standalone helper mirroring the teacher's
// /proc/stat two-point sampling (internal/collector/cpu.go), usable by
// callers that want to publish SystemInfoEvent from real OS counters
// instead of a test double.
func ReadProcStatCPURatio(procRoot string, interval time.Duration) (float64, error) {
	t1, err := readCPUTotals(procRoot)
	if err != nil {
		return 0, err
	}
	time.Sleep(interval)
	t2, err := readCPUTotals(procRoot)
	if err != nil {
		return 0, err
	}
	totalDelta := t2.total() - t1.total()
	if totalDelta == 0 {
		return 0, nil
	}
	idleDelta := (t2.idle + t2.iowait) - (t1.idle + t1.iowait)
	return 1 - float64(idleDelta)/float64(totalDelta), nil
}

type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

func readCPUTotals(procRoot string) (cpuTimes, error) {
	f, err := os.Open(procRoot + "/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		vals := make([]uint64, 8)
		for i := 0; i < len(fields) && i < 8; i++ {
			vals[i], _ = strconv.ParseUint(fields[i], 10, 64)
		}
		return cpuTimes{
			user: vals[0], nice: vals[1], system: vals[2], idle: vals[3],
			iowait: vals[4], irq: vals[5], softirq: vals[6], steal: vals[7],
		}, nil
	}
	return cpuTimes{}, fmt.Errorf("snapshotter: no cpu line in %s/stat", procRoot)
}
