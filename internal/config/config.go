// Package config resolves the knobs enumerated in SPEC_FULL.md §6.3,
// using the same functional-options shape as eventloop.LoopOption /
// WithStrictMicrotaskOrdering / resolveLoopOptions.
package config

import (
	"fmt"

	"github.com/joeycumines/go-idiomscan/internal/errs"
)

// Knobs holds every configuration value recognized by the core, per
// spec.md §6.3.
type Knobs struct {
	UnitSize               int
	VulnerabilityWindow    int
	SyncOnly               bool
	ComplexIdioms          bool
	SingleVarIdioms        bool
	RacyOnly               bool
	PredictDeadlock        bool
	IgnoreLib              bool
	TargetIRoot            uint64
	LowestRealtimePriority int
	HighestRealtimePriority int
	CPU                    int

	TotalFailedLimit int
	FailedLimit      int
}

// Option configures Knobs. The interface indirection (rather than a bare
// func(*Knobs)) matches eventloop.LoopOption, so a nil Option can be
// skipped gracefully by resolveLoopOptions-style callers instead of
// panicking on a nil func value.
type Option interface {
	apply(*Knobs) error
}

type optionFunc func(*Knobs) error

func (f optionFunc) apply(k *Knobs) error { return f(k) }

// WithUnitSize sets the memory access granularity in bytes. Default 4.
func WithUnitSize(bytes int) Option {
	return optionFunc(func(k *Knobs) error {
		if bytes <= 0 {
			return &errs.ConfigError{Knob: "unit_size", Kind: errs.ErrInvalidDBPath}
		}
		k.UnitSize = bytes
		return nil
	})
}

// WithVulnerabilityWindow sets vw, in instructions. Default 1000.
func WithVulnerabilityWindow(instructions int) Option {
	return optionFunc(func(k *Knobs) error {
		if instructions <= 0 {
			return &errs.ConfigError{Knob: "vw", Kind: errs.ErrVulnerabilityWindowZero}
		}
		k.VulnerabilityWindow = instructions
		return nil
	})
}

func WithSyncOnly(enabled bool) Option {
	return optionFunc(func(k *Knobs) error { k.SyncOnly = enabled; return nil })
}

func WithComplexIdioms(enabled bool) Option {
	return optionFunc(func(k *Knobs) error { k.ComplexIdioms = enabled; return nil })
}

func WithSingleVarIdioms(enabled bool) Option {
	return optionFunc(func(k *Knobs) error { k.SingleVarIdioms = enabled; return nil })
}

func WithRacyOnly(enabled bool) Option {
	return optionFunc(func(k *Knobs) error { k.RacyOnly = enabled; return nil })
}

func WithPredictDeadlock(enabled bool) Option {
	return optionFunc(func(k *Knobs) error { k.PredictDeadlock = enabled; return nil })
}

func WithIgnoreLib(enabled bool) Option {
	return optionFunc(func(k *Knobs) error { k.IgnoreLib = enabled; return nil })
}

func WithTargetIRoot(id uint64) Option {
	return optionFunc(func(k *Knobs) error { k.TargetIRoot = id; return nil })
}

// WithRealtimePriorityRange sets the [lowest, highest] realtime priority
// band the active and auxiliary schedulers operate within.
func WithRealtimePriorityRange(lowest, highest int) Option {
	return optionFunc(func(k *Knobs) error {
		if lowest >= highest {
			return &errs.ConfigError{Knob: "priority_range", Kind: errs.ErrPriorityRangeCollapsed}
		}
		k.LowestRealtimePriority = lowest
		k.HighestRealtimePriority = highest
		return nil
	})
}

// WithCPU pins the scheduler to a single CPU index.
func WithCPU(index int) Option {
	return optionFunc(func(k *Knobs) error {
		if index < 0 {
			return &errs.ConfigError{Knob: "cpu", Kind: errs.ErrBadCPUIndex}
		}
		k.CPU = index
		return nil
	})
}

// WithTotalFailedLimit overrides the default sticky-FAILED threshold (6).
func WithTotalFailedLimit(n int) Option {
	return optionFunc(func(k *Knobs) error {
		if n <= 0 {
			return fmt.Errorf("idiomscan: total_failed_limit must be positive, got %d", n)
		}
		k.TotalFailedLimit = n
		return nil
	})
}

// WithFailedLimit overrides the default per-candidate tries threshold (2).
func WithFailedLimit(n int) Option {
	return optionFunc(func(k *Knobs) error {
		if n <= 0 {
			return fmt.Errorf("idiomscan: failed_limit must be positive, got %d", n)
		}
		k.FailedLimit = n
		return nil
	})
}

// Resolve applies opts over the documented defaults, mirroring
// eventloop.resolveLoopOptions.
func Resolve(opts ...Option) (*Knobs, error) {
	k := &Knobs{
		UnitSize:                4,
		VulnerabilityWindow:     1000,
		ComplexIdioms:           true,
		LowestRealtimePriority:  1,
		HighestRealtimePriority: 99,
		CPU:                     0,
		TotalFailedLimit:        6,
		FailedLimit:             2,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(k); err != nil {
			return nil, err
		}
	}
	if k.LowestRealtimePriority >= k.HighestRealtimePriority {
		return nil, &errs.ConfigError{Knob: "priority_range", Kind: errs.ErrPriorityRangeCollapsed}
	}
	return k, nil
}
