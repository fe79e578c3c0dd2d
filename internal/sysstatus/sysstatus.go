// Package sysstatus aggregates snapshotter histories into per-resource
// time-weighted overload ratios and a system-idle verdict, the way the
// teacher's model.ComputeHealthScore folds a small fixed resource set
// into one score -- except SystemStatus stays a strict boolean AND
// rather than a weighted deduction.
package sysstatus

import (
	"fmt"
	"time"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/snapshotter"
)

// Thresholds holds the per-resource overload ratio thresholds.
type Thresholds struct {
	CPU, Memory, EventLoop, Client float64
}

// DefaultThresholds returns the spec's §4.B defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 0.4, Memory: 0.2, EventLoop: 0.6, Client: 0.3}
}

// LoadRatioInfo is the aggregated overload verdict for one resource.
type LoadRatioInfo struct {
	LimitRatio   float64
	ActualRatio  float64
	IsOverloaded bool
}

// SystemInfo bundles the four resources' LoadRatioInfo plus the
// derived idle verdict.
type SystemInfo struct {
	CPU, Memory, EventLoop, Client LoadRatioInfo
	IsSystemIdle                   bool
}

// history is the minimal view SystemStatus needs from a Snapshotter;
// satisfied directly by *snapshotter.Snapshotter.
type history interface {
	GetCPUSample(time.Duration) []snapshotter.Snapshot
	GetMemorySample(time.Duration) []snapshotter.Snapshot
	GetEventLoopSample(time.Duration) []snapshotter.Snapshot
	GetClientSample(time.Duration) []snapshotter.Snapshot
}

// SystemStatus turns a Snapshotter's histories into LoadRatioInfo /
// SystemInfo verdicts.
type SystemStatus struct {
	snap           history
	thresholds     Thresholds
	maxSnapshotAge time.Duration // default 5s, used by GetCurrentSystemInfo
}

// Config tunes SystemStatus behavior.
type Config struct {
	Thresholds     Thresholds
	MaxSnapshotAge time.Duration
}

// New builds a SystemStatus over the given snapshot history source.
func New(snap history, cfg Config) *SystemStatus {
	th := cfg.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	age := cfg.MaxSnapshotAge
	if age <= 0 {
		age = 5 * time.Second
	}
	return &SystemStatus{snap: snap, thresholds: th, maxSnapshotAge: age}
}

// ErrNonMonotonicSamples signals a sample list violating the
// ascending-created_at ordering invariant.
type ErrNonMonotonicSamples struct{ Resource string }

func (e *ErrNonMonotonicSamples) Error() string {
	return fmt.Sprintf("sysstatus: samples for %s are not sorted ascending by created_at", e.Resource)
}

// ratio computes the time-weighted overload ratio per spec §4.B.
func ratio(resource string, samples []snapshotter.Snapshot, threshold float64) (LoadRatioInfo, error) {
	info := LoadRatioInfo{LimitRatio: threshold}
	switch len(samples) {
	case 0:
		return info, nil
	case 1:
		if samples[0].IsOverloaded {
			info.ActualRatio = 1
		}
		info.IsOverloaded = info.ActualRatio >= threshold
		return info, nil
	}

	var overloadedTime, totalTime time.Duration
	for i := 0; i < len(samples)-1; i++ {
		delta := samples[i+1].CreatedAt.Sub(samples[i].CreatedAt)
		if delta < 0 {
			return LoadRatioInfo{}, &ErrNonMonotonicSamples{Resource: resource}
		}
		totalTime += delta
		if samples[i+1].IsOverloaded {
			overloadedTime += delta
		}
	}
	if totalTime > 0 {
		info.ActualRatio = overloadedTime.Seconds() / totalTime.Seconds()
	}
	info.IsOverloaded = info.ActualRatio >= threshold
	return info, nil
}

// GetCurrentSystemInfo aggregates over the last MaxSnapshotAge window
// of each resource's history.
func (s *SystemStatus) GetCurrentSystemInfo() (SystemInfo, error) {
	return s.systemInfo(s.maxSnapshotAge)
}

// GetHistoricalSystemInfo aggregates over each resource's full history.
func (s *SystemStatus) GetHistoricalSystemInfo() (SystemInfo, error) {
	return s.systemInfo(0)
}

func (s *SystemStatus) systemInfo(window time.Duration) (SystemInfo, error) {
	var info SystemInfo
	var err error

	if info.CPU, err = ratio("cpu", s.snap.GetCPUSample(window), s.thresholds.CPU); err != nil {
		return SystemInfo{}, err
	}
	if info.Memory, err = ratio("memory", s.snap.GetMemorySample(window), s.thresholds.Memory); err != nil {
		return SystemInfo{}, err
	}
	if info.EventLoop, err = ratio("event_loop", s.snap.GetEventLoopSample(window), s.thresholds.EventLoop); err != nil {
		return SystemInfo{}, err
	}
	if info.Client, err = ratio("client", s.snap.GetClientSample(window), s.thresholds.Client); err != nil {
		return SystemInfo{}, err
	}

	info.IsSystemIdle = !info.CPU.IsOverloaded && !info.Memory.IsOverloaded &&
		!info.EventLoop.IsOverloaded && !info.Client.IsOverloaded
	return info, nil
}

// DominantResource returns the name of the resource with the highest
// ActualRatio relative to its own threshold, for back-pressure logging
// in internal/crawler.
func DominantResource(info SystemInfo) string {
	type entry struct {
		name  string
		ratio float64
	}
	entries := []entry{
		{"cpu", relativeLoad(info.CPU)},
		{"memory", relativeLoad(info.Memory)},
		{"event_loop", relativeLoad(info.EventLoop)},
		{"client", relativeLoad(info.Client)},
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.ratio > best.ratio {
			best = e
		}
	}
	return best.name
}

func relativeLoad(l LoadRatioInfo) float64 {
	if l.LimitRatio <= 0 {
		return l.ActualRatio
	}
	return l.ActualRatio / l.LimitRatio
}
