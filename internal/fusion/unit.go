package fusion

import (
	"context"
	"time"

	"github.com/twinstack/loom/internal/record"
)

// Kind tags the two unit variants. Dispatch is by tag, never by reflection.
type Kind string

const (
	KindProducer Kind = "producer"
	KindFusion   Kind = "fusion"
)

// RangeReduce selects which primary record survives a source-range query.
type RangeReduce string

const (
	RangeMin RangeReduce = "min" // earliest record in the window
	RangeMax RangeReduce = "max" // latest record in the window
)

// SourceRange switches primary selection from "single latest" to "all
// records in a trailing window, reduced to one".
type SourceRange struct {
	Window time.Duration
	Reduce RangeReduce
}

// UnitConfig is the static descriptor shared by both unit kinds. Name doubles
// as the unit's stream name and its scheduling key.
type UnitConfig struct {
	Name     string `json:"name" yaml:"name"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// Source is the primary stream a fusion unit reads. Producers leave it
	// empty.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Dependencies are secondary streams resolved with latest-before
	// semantics against the primary record's date.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// DependenciesLimit holds the per-dependency lookback window, positionally
	// matching Dependencies. Zero (or a missing entry) means unlimited.
	DependenciesLimit []time.Duration `json:"dependenciesLimit,omitempty" yaml:"dependenciesLimit,omitempty"`

	MultipleResults bool         `json:"multipleResults,omitempty" yaml:"multipleResults,omitempty"`
	SourceRange     *SourceRange `json:"sourceRange,omitempty" yaml:"sourceRange,omitempty"`

	// ContentType and Ext describe the derived record's payload. Defaults:
	// application/octet-stream, "bin".
	ContentType string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Ext         string `json:"ext,omitempty" yaml:"ext,omitempty"`
}

// lookbackFor returns the lookback window for dependency index i. Zero means
// no staleness bound.
func (c UnitConfig) lookbackFor(i int) time.Duration {
	if i < len(c.DependenciesLimit) {
		return c.DependenciesLimit[i]
	}
	return 0
}

// CollectFunc produces one payload per trigger for a Producer unit.
type CollectFunc func(ctx context.Context) ([]byte, error)

// HarvestFunc transforms the selected primary records plus the resolved
// dependencies into a derived payload. primaries is ordered ascending by
// date and holds exactly one element unless MultipleResults is set. deps
// maps dependency stream name to its resolved record; a dependency that
// resolved to nothing (absent, or outside its lookback window) is simply
// not present in the map, and the transform decides whether that is fatal.
type HarvestFunc func(ctx context.Context, primaries []*record.Record, deps map[string]*record.Record) ([]byte, error)

// Unit is the shared capability surface of both variants.
type Unit interface {
	Kind() Kind
	Configuration() UnitConfig
}

// Producer creates new primary records on a schedule.
type Producer struct {
	Config  UnitConfig
	Collect CollectFunc
}

func (p *Producer) Kind() Kind                { return KindProducer }
func (p *Producer) Configuration() UnitConfig { return p.Config }

// FusionUnit joins a primary stream with dependency streams into a derived
// record.
type FusionUnit struct {
	Config  UnitConfig
	Harvest HarvestFunc
}

func (f *FusionUnit) Kind() Kind                { return KindFusion }
func (f *FusionUnit) Configuration() UnitConfig { return f.Config }
