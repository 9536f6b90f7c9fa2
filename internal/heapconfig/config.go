// Package heapconfig owns the managed-heap's startup and tunable
// configuration, generalizing internal/allocator's original Config/Option
// pattern to every VM option spec.md §6 enumerates, plus file-based hot
// reload and a schema-version compatibility gate.
package heapconfig

import (
	"fmt"

	"github.com/mizuvm/heapcore/internal/errors"
)

// GCType selects the collection strategy the facade composes allocators
// for. The core never implements any of these algorithms itself (spec.md
// Non-goals); it only routes allocations consistently with the chosen type.
type GCType string

const (
	GCStopTheWorld GCType = "stw"
	GCGenerational GCType = "gen-gc"
	GCG1Like       GCType = "g1"
	GCEpsilon      GCType = "epsilon"
)

// Config mirrors every option in spec.md §6 "Configuration at VM creation".
type Config struct {
	SchemaVersion string

	ObjectPoolSize         uintptr
	YoungSpaceSize         uintptr
	YoungSharedSpaceSize   uintptr
	YoungTLABSize          uintptr
	LargeObjectThreshold   uintptr
	HumongousObjectThresh  uintptr
	RegionSize             uintptr
	UseTLABForAllocations  bool
	GCType                 GCType
	StartAsZygote          bool
	PygoteAllocEnabled     bool
	TrackTLABAllocations   bool
	AlignmentSize          uintptr
	MaxAllocations         int
	MemoryLimit            uintptr
	EnableDebug            bool
	EnableLeakCheck        bool
}

// Option mutates a Config at construction time, matching the teacher's
// functional-options convention (internal/allocator/allocator.go).
type Option func(*Config)

// Default returns the out-of-the-box configuration. Sizes follow the
// orders of magnitude spec.md §2 gives for each component.
func Default() *Config {
	return &Config{
		SchemaVersion:         "1.0.0",
		ObjectPoolSize:        64 * 1024 * 1024,
		YoungSpaceSize:        16 * 1024 * 1024,
		YoungSharedSpaceSize:  4 * 1024 * 1024,
		YoungTLABSize:         256 * 1024,
		LargeObjectThreshold:  32 * 1024,
		HumongousObjectThresh: 1 * 1024 * 1024,
		RegionSize:            256 * 1024,
		UseTLABForAllocations: true,
		GCType:                GCGenerational,
		StartAsZygote:         false,
		PygoteAllocEnabled:    false,
		TrackTLABAllocations:  false,
		AlignmentSize:         8,
		MaxAllocations:        1_000_000,
		MemoryLimit:           1024 * 1024 * 1024,
		EnableDebug:           false,
		EnableLeakCheck:       true,
	}
}

func New(opts ...Option) (*Config, error) {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the structural invariants that would otherwise surface as
// confusing allocator-level failures much later.
func (c *Config) Validate() error {
	if c.RegionSize == 0 || c.RegionSize&(c.RegionSize-1) != 0 {
		return errors.InvalidConfig("region-size", "must be a power of two")
	}

	if c.LargeObjectThreshold >= c.HumongousObjectThresh {
		return errors.InvalidConfig("large-object-threshold", "must be < humongous-object-threshold")
	}

	if c.AlignmentSize == 0 || c.AlignmentSize&(c.AlignmentSize-1) != 0 {
		return errors.InvalidConfig("alignment", "must be a power of two")
	}

	if c.YoungTLABSize > c.YoungSpaceSize {
		return errors.InvalidConfig("young-tlab-size", "must be <= young-space-size")
	}

	return nil
}

func WithObjectPoolSize(n uintptr) Option  { return func(c *Config) { c.ObjectPoolSize = n } }
func WithYoungSpaceSize(n uintptr) Option  { return func(c *Config) { c.YoungSpaceSize = n } }
func WithYoungTLABSize(n uintptr) Option   { return func(c *Config) { c.YoungTLABSize = n } }
func WithRegionSize(n uintptr) Option      { return func(c *Config) { c.RegionSize = n } }
func WithGCType(t GCType) Option           { return func(c *Config) { c.GCType = t } }
func WithStartAsZygote(b bool) Option      { return func(c *Config) { c.StartAsZygote = b } }
func WithPygoteAllocEnabled(b bool) Option { return func(c *Config) { c.PygoteAllocEnabled = b } }
func WithTrackTLABs(b bool) Option         { return func(c *Config) { c.TrackTLABAllocations = b } }
func WithAlignment(n uintptr) Option       { return func(c *Config) { c.AlignmentSize = n } }
func WithMemoryLimit(n uintptr) Option     { return func(c *Config) { c.MemoryLimit = n } }
func WithLeakCheck(b bool) Option          { return func(c *Config) { c.EnableLeakCheck = b } }
func WithDebug(b bool) Option              { return func(c *Config) { c.EnableDebug = b } }

// Clone returns a deep-enough copy for safe hand-off across the reload
// boundary in watcher.go (Config has no reference fields today, but Clone
// keeps that an implementation detail rather than a caller contract).
func (c *Config) Clone() *Config {
	cp := *c

	return &cp
}

func (c *Config) String() string {
	return fmt.Sprintf("heapconfig{schema=%s gc=%s region=%d tlab=%d humongous=%d}",
		c.SchemaVersion, c.GCType, c.RegionSize, c.YoungTLABSize, c.HumongousObjectThresh)
}
