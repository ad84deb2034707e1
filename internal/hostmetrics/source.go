package hostmetrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/middlewared/internal/alert"
)

// SourceName is the alert source registered by Source.
const SourceName = "HostResources"

// Alert classes raised by the host resource source.
var (
	ClassMemoryHigh = &alert.Class{
		Name:      "MemoryUsageHigh",
		Category:  alert.CategorySystem,
		Level:     alert.LevelWarning,
		Title:     "Memory Usage Is High",
		Text:      "Memory usage is {{.percent}}% ({{.available}} of {{.total}} available).",
		KeyFields: []string{},
	}
	ClassSwapHigh = &alert.Class{
		Name:      "SwapUsageHigh",
		Category:  alert.CategorySystem,
		Level:     alert.LevelWarning,
		Title:     "Swap Usage Is High",
		Text:      "{{.used}} of swap is in use ({{.percent}}%).",
		KeyFields: []string{},
	}
	ClassLoadHigh = &alert.Class{
		Name:      "LoadAverageHigh",
		Category:  alert.CategorySystem,
		Level:     alert.LevelWarning,
		Title:     "System Load Is High",
		Text:      "Load average {{.load5}} over 5 minutes is {{.ratio}} times the baseline of {{.baseline}}.",
		KeyFields: []string{},
	}
	ClassDiskLow = &alert.Class{
		Name:      "DiskSpaceLow",
		Category:  alert.CategoryStorage,
		Level:     alert.LevelCritical,
		Title:     "Disk Space Is Low",
		Text:      "Only {{.free}} ({{.free_percent}}%) is free on {{.path}}.",
		KeyFields: []string{"path"},
	}
)

// Classes returns the classes Source may raise.
func Classes() []*alert.Class {
	return []*alert.Class{ClassMemoryHigh, ClassSwapHigh, ClassLoadHigh, ClassDiskLow}
}

// Thresholds decide when a sample raises alerts.
type Thresholds struct {
	MemoryPercent   float64
	SwapPercent     float64
	DiskFreePercent float64
	// LoadMultiplier raises LoadAverageHigh when the 5 minute load exceeds
	// the learnt baseline by this factor and the CPU count.
	LoadMultiplier float64
}

// DefaultThresholds are used for zero fields.
var DefaultThresholds = Thresholds{
	MemoryPercent:   95,
	SwapPercent:     50,
	DiskFreePercent: 10,
	LoadMultiplier:  4,
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = DefaultThresholds.MemoryPercent
	}
	if t.SwapPercent <= 0 {
		t.SwapPercent = DefaultThresholds.SwapPercent
	}
	if t.DiskFreePercent <= 0 {
		t.DiskFreePercent = DefaultThresholds.DiskFreePercent
	}
	if t.LoadMultiplier <= 0 {
		t.LoadMultiplier = DefaultThresholds.LoadMultiplier
	}
	return t
}

// Checker evaluates samples against thresholds. It keeps an EWMA load
// baseline across checks.
type Checker struct {
	sampler    Sampler
	thresholds Thresholds

	mu           sync.Mutex
	baseline     float64
	baselineSet  bool
	lastSample   Sample
	lastObserved bool
}

// NewChecker returns a checker over sampler.
func NewChecker(sampler Sampler, thresholds Thresholds) *Checker {
	return &Checker{sampler: sampler, thresholds: thresholds.withDefaults()}
}

// Source wraps the checker as a periodic alert source.
func (c *Checker) Source(interval time.Duration) *alert.Source {
	return &alert.Source{
		Name:         SourceName,
		Schedule:     alert.Interval(interval),
		Blocking:     true,
		RunOnStandby: true,
		Check:        c.Check,
	}
}

// Last returns the latest sample and whether one was taken.
func (c *Checker) Last() (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSample, c.lastObserved
}

// Check samples the host and returns the alerts of the sample.
func (c *Checker) Check(ctx context.Context) ([]*alert.Alert, error) {
	s, err := c.sampler.Sample(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	baseline := c.updateBaseline(s.Load5)
	c.lastSample = s
	c.lastObserved = true
	c.mu.Unlock()

	t := c.thresholds
	var out []*alert.Alert
	if s.MemoryUsedPercent >= t.MemoryPercent {
		out = append(out, alert.New(ClassMemoryHigh, map[string]any{
			"percent":   round1(s.MemoryUsedPercent),
			"available": bytesLabel(s.MemoryAvailableBytes),
			"total":     bytesLabel(s.MemoryTotalBytes),
		}))
	}
	if s.SwapUsedPercent >= t.SwapPercent && s.SwapUsedBytes > 0 {
		out = append(out, alert.New(ClassSwapHigh, map[string]any{
			"percent": round1(s.SwapUsedPercent),
			"used":    bytesLabel(s.SwapUsedBytes),
		}))
	}
	cpus := float64(s.CPUs)
	if cpus < 1 {
		cpus = 1
	}
	if baseline > 0 && s.Load5 > cpus && s.Load5/baseline >= t.LoadMultiplier {
		out = append(out, alert.New(ClassLoadHigh, map[string]any{
			"load5":    round1(s.Load5),
			"baseline": round1(baseline),
			"ratio":    round1(s.Load5 / baseline),
		}))
	}
	for _, d := range s.Disks {
		if d.TotalBytes == 0 {
			continue
		}
		freePercent := 100 - d.UsedPercent
		if freePercent > t.DiskFreePercent {
			continue
		}
		out = append(out, alert.New(ClassDiskLow, map[string]any{
			"path":         d.Path,
			"free":         bytesLabel(d.FreeBytes),
			"free_percent": round1(freePercent),
		}))
	}
	return out, nil
}

// updateBaseline folds load into the EWMA and returns the value before
// the update, so a spike is compared with the history it interrupts.
func (c *Checker) updateBaseline(load float64) float64 {
	const alpha = 0.05
	if !c.baselineSet {
		c.baseline = load
		if c.baseline <= 0 {
			c.baseline = 0.1
		}
		c.baselineSet = true
		return c.baseline
	}
	prev := c.baseline
	c.baseline += (load - c.baseline) * alpha
	return prev
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

func bytesLabel(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}

// Describe renders a sample for logs and system.info.
func Describe(s Sample) map[string]any {
	disks := make([]map[string]any, 0, len(s.Disks))
	for _, d := range s.Disks {
		disks = append(disks, map[string]any{
			"path":         d.Path,
			"total":        bytesLabel(d.TotalBytes),
			"free":         bytesLabel(d.FreeBytes),
			"used_percent": round1(d.UsedPercent),
		})
	}
	return map[string]any{
		"physmem":             s.MemoryTotalBytes,
		"physmem_human":       bytesLabel(s.MemoryTotalBytes),
		"memory_used_percent": round1(s.MemoryUsedPercent),
		"swap_used_percent":   round1(s.SwapUsedPercent),
		"loadavg":             []float64{s.Load1, s.Load5, s.Load15},
		"cores":               s.CPUs,
		"disks":               disks,
		"sampled":             s.CollectedAt.UTC().Format(time.RFC3339),
	}
}
