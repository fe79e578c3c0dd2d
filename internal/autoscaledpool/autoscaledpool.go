// Package autoscaledpool runs a bounded, load-aware pool of worker
// goroutines. Its control loop mirrors the teacher's
// orchestrator.Orchestrator.Run: a context.WithCancel derived from the
// caller's context, a signal-racing goroutine (here, pause/abort
// channels instead of OS signals), and a sync.WaitGroup tracking one
// goroutine per unit of concurrent work, with the first worker error
// latched in an atomic pointer.
package autoscaledpool

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/sysstatus"
)

// SystemInfoSource is the subset of SystemStatus AutoscaledPool needs:
// GetHistoricalSystemInfo drives the slow autoscaleTick adjustment,
// GetCurrentSystemInfo gates each individual spawn against a
// moment-of-decision overload reading.
type SystemInfoSource interface {
	GetHistoricalSystemInfo() (sysstatus.SystemInfo, error)
	GetCurrentSystemInfo() (sysstatus.SystemInfo, error)
}

// Config configures pool bounds, autoscale cadence, and step sizes.
type Config struct {
	MinConcurrency     int
	MaxConcurrency     int
	DesiredConcurrency int // defaults to MinConcurrency
	MaxTasksPerMinute  float64 // may be math.Inf(1)

	AutoscaleInterval time.Duration // default 10s
	LoggingInterval   time.Duration // default 1m

	DesiredConcurrencyRatio float64 // default 0.9
	ScaleUpStepRatio        float64 // default 0.05
	ScaleDownStepRatio      float64 // default 0.05

	TaskTimeout time.Duration // optional per-task timeout
}

func (c *Config) withDefaults() {
	if c.MinConcurrency < 1 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.DesiredConcurrency <= 0 {
		c.DesiredConcurrency = c.MinConcurrency
	}
	if c.MaxTasksPerMinute <= 0 {
		c.MaxTasksPerMinute = math.Inf(1)
	}
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = 10 * time.Second
	}
	if c.LoggingInterval <= 0 {
		c.LoggingInterval = time.Minute
	}
	if c.DesiredConcurrencyRatio <= 0 {
		c.DesiredConcurrencyRatio = 0.9
	}
	if c.ScaleUpStepRatio <= 0 {
		c.ScaleUpStepRatio = 0.05
	}
	if c.ScaleDownStepRatio <= 0 {
		c.ScaleDownStepRatio = 0.05
	}
}

// Callbacks are supplied by the owning crawler.
type Callbacks struct {
	IsTaskReady func() bool
	IsFinished  func() bool
	RunTask     func(ctx context.Context) error
}

// Pool is a bounded, autoscaling goroutine pool.
type Pool struct {
	cfg    Config
	status SystemInfoSource
	cb     Callbacks
	log    zerolog.Logger

	mu                 sync.Mutex
	currentConcurrency int
	desiredConcurrency int
	paused             bool
	spawnTimes         []time.Time
	cancelRun          context.CancelFunc

	workersChanged chan struct{}

	firstErr atomic.Pointer[error]
}

// New builds a Pool. status may be nil, in which case the autoscale
// rule never fires and desired_concurrency stays fixed.
func New(cfg Config, status SystemInfoSource, cb Callbacks, log zerolog.Logger) *Pool {
	cfg.withDefaults()
	return &Pool{
		cfg:                cfg,
		status:             status,
		cb:                 cb,
		log:                log,
		desiredConcurrency: cfg.DesiredConcurrency,
		workersChanged:     make(chan struct{}),
	}
}

func notifyChanged(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// CurrentConcurrency returns the number of in-flight worker goroutines.
func (p *Pool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentConcurrency
}

// DesiredConcurrency returns the current autoscale target.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desiredConcurrency
}

// Pause prevents the orchestrator from scheduling new workers;
// in-flight workers continue to completion.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume re-enables scheduling of new workers.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	notifyChanged(&p.workersChanged)
	p.mu.Unlock()
}

// Run starts the orchestrator loop and blocks until IsFinished()
// returns true with no outstanding workers, the context is canceled,
// or Abort is called. The first error raised by any RunTask call is
// returned.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancelRun = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancelRun = nil
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup

	autoscaleTicker := time.NewTicker(p.cfg.AutoscaleInterval)
	defer autoscaleTicker.Stop()
	loggingTicker := time.NewTicker(p.cfg.LoggingInterval)
	defer loggingTicker.Stop()

	done := make(chan struct{})
	go func() {
		p.orchestrate(ctx, &wg, cancel)
		close(done)
	}()

loop:
	for {
		select {
		case <-autoscaleTicker.C:
			p.autoscaleTick()
		case <-loggingTicker.C:
			p.logStatus()
		case <-done:
			break loop
		case <-ctx.Done():
			<-done
			break loop
		}
	}

	wg.Wait()
	if errp := p.firstErr.Load(); errp != nil {
		return *errp
	}
	return nil
}

// orchestrate is the per-tick scheduling loop: it watches for
// "workers changed" signals and a 500ms timer, spawning new workers
// whenever capacity, readiness, and rate limits allow, and exits once
// the pool is finished and no workers remain in flight.
func (p *Pool) orchestrate(ctx context.Context, wg *sync.WaitGroup, cancel context.CancelFunc) {
	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	for {
		p.mu.Lock()
		changedCh := p.workersChanged
		p.mu.Unlock()

		select {
		case <-changedCh:
		case <-timer.C:
			timer.Reset(500 * time.Millisecond)
		case <-ctx.Done():
			return
		}

		if ctx.Err() != nil {
			return
		}

		finished := p.cb.IsFinished != nil && p.cb.IsFinished()

		p.mu.Lock()
		current := p.currentConcurrency
		p.mu.Unlock()

		if finished && current == 0 {
			return
		}

		for p.trySpawn(ctx, wg, cancel) {
		}
	}
}

func (p *Pool) trySpawn(ctx context.Context, wg *sync.WaitGroup, cancel context.CancelFunc) bool {
	if p.isCurrentlyOverloaded() {
		return false
	}

	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return false
	}
	if p.currentConcurrency >= p.desiredConcurrency {
		p.mu.Unlock()
		return false
	}
	if !p.withinRateLimitLocked() {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	if p.cb.IsTaskReady != nil && !p.cb.IsTaskReady() {
		return false
	}

	p.mu.Lock()
	p.currentConcurrency++
	p.spawnTimes = append(p.spawnTimes, time.Now())
	p.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runWorker(ctx, cancel)
	}()
	return true
}

// isCurrentlyOverloaded checks the moment-of-decision system load, a
// faster signal than autoscaleTick's windowed average: a spawn
// refused here is retried on orchestrate's next 500ms tick rather than
// waiting out the full AutoscaleInterval. A read error fails open
// (treated as not overloaded) so a transient snapshot failure never
// stalls the pool.
func (p *Pool) isCurrentlyOverloaded() bool {
	if p.status == nil {
		return false
	}
	info, err := p.status.GetCurrentSystemInfo()
	if err != nil {
		p.log.Warn().Err(err).Msg("autoscale: current system info unavailable")
		return false
	}
	return !info.IsSystemIdle
}

func (p *Pool) withinRateLimitLocked() bool {
	if math.IsInf(p.cfg.MaxTasksPerMinute, 1) {
		return true
	}
	cutoff := time.Now().Add(-time.Minute)
	kept := p.spawnTimes[:0]
	for _, t := range p.spawnTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.spawnTimes = kept
	return float64(len(p.spawnTimes)) < p.cfg.MaxTasksPerMinute
}

func (p *Pool) runWorker(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		p.mu.Lock()
		p.currentConcurrency--
		notifyChanged(&p.workersChanged)
		p.mu.Unlock()
	}()

	taskCtx := ctx
	var taskCancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		taskCtx, taskCancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer taskCancel()
	}

	if p.cb.RunTask == nil {
		return
	}
	err := p.cb.RunTask(taskCtx)
	if err != nil {
		if taskCtx.Err() == context.DeadlineExceeded {
			p.log.Warn().Err(err).Msg("worker task timed out")
			return
		}
		p.firstErr.CompareAndSwap(nil, &err)
		cancel()
	}
}

func (p *Pool) autoscaleTick() {
	if p.status == nil {
		return
	}
	info, err := p.status.GetHistoricalSystemInfo()
	if err != nil {
		p.log.Warn().Err(err).Msg("autoscale: system info unavailable")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	desired := p.desiredConcurrency
	minCurrent := int(math.Floor(p.cfg.DesiredConcurrencyRatio * float64(desired)))

	switch {
	case info.IsSystemIdle && desired < p.cfg.MaxConcurrency && p.currentConcurrency >= minCurrent:
		step := int(math.Ceil(p.cfg.ScaleUpStepRatio * float64(desired)))
		desired += step
		if desired > p.cfg.MaxConcurrency {
			desired = p.cfg.MaxConcurrency
		}
	case !info.IsSystemIdle && desired > p.cfg.MinConcurrency:
		step := int(math.Ceil(p.cfg.ScaleDownStepRatio * float64(desired)))
		desired -= step
		if desired < p.cfg.MinConcurrency {
			desired = p.cfg.MinConcurrency
		}
	}

	if desired != p.desiredConcurrency {
		p.log.Info().Int("from", p.desiredConcurrency).Int("to", desired).
			Str("dominant_resource", sysstatus.DominantResource(info)).
			Msg("autoscale: adjusting desired concurrency")
		p.desiredConcurrency = desired
		notifyChanged(&p.workersChanged)
	}
}

func (p *Pool) logStatus() {
	p.mu.Lock()
	current, desired := p.currentConcurrency, p.desiredConcurrency
	p.mu.Unlock()
	p.log.Info().Int("current_concurrency", current).Int("desired_concurrency", desired).
		Msg("autoscaled pool status")
}

// Abort cancels all worker tasks and the orchestrator. Run, blocked in
// a separate goroutine, returns once cleanup completes. Calling Abort
// before Run has started or after it has returned is a no-op.
func (p *Pool) Abort() {
	p.mu.Lock()
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
