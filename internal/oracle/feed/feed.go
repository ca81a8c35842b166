// Package feed holds the core value types shared across the oracle's data
// plane: feed identifiers, raw observations, and aggregated consensus
// prices. These are small immutable records that cross goroutine
// boundaries by value.
package feed

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Category is the asset class a feed belongs to.
type Category int

const (
	CategoryCrypto Category = iota + 1
	CategoryForex
	CategoryCommodity
	CategoryStock
)

func (c Category) String() string {
	switch c {
	case CategoryCrypto:
		return "crypto"
	case CategoryForex:
		return "forex"
	case CategoryCommodity:
		return "commodity"
	case CategoryStock:
		return "stock"
	default:
		return "unknown"
	}
}

// ParseCategory maps the wire integer (1..4) to a Category.
func ParseCategory(n int) (Category, error) {
	switch n {
	case 1:
		return CategoryCrypto, nil
	case 2:
		return CategoryForex, nil
	case 3:
		return CategoryCommodity, nil
	case 4:
		return CategoryStock, nil
	default:
		return 0, fmt.Errorf("unknown feed category: %d", n)
	}
}

var nameRE = regexp.MustCompile(`^[A-Z]{2,8}/[A-Z]{2,8}$`)

// ID is the canonical identifier for a trading pair: a category plus a
// BASE/QUOTE name. Two IDs are equal iff both fields match.
type ID struct {
	Category Category
	Name     string
}

// NewID normalizes name (uppercase) and validates it before returning an ID.
func NewID(category Category, name string) (ID, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if !nameRE.MatchString(normalized) {
		return ID{}, fmt.Errorf("invalid feed name %q: want BASE/QUOTE with 2-8 uppercase letters each side", name)
	}
	return ID{Category: category, Name: normalized}, nil
}

func (f ID) String() string {
	return fmt.Sprintf("%s:%s", f.Category, f.Name)
}

// Key returns a map-friendly identifier for caches and registries.
func (f ID) Key() string {
	return fmt.Sprintf("%d|%s", f.Category, f.Name)
}

// PriceObservation is one raw datum from one source for one symbol.
type PriceObservation struct {
	Symbol     string
	Price      float64
	Timestamp  time.Time
	Source     string
	Volume     float64
	HasVolume  bool
	Confidence float64
}

// Valid reports whether the observation passes the validator's format
// tier: non-empty symbol, finite positive price, non-empty source,
// confidence in [0,1]. It does not check staleness or statistics.
func (o PriceObservation) Valid() bool {
	if o.Symbol == "" || o.Source == "" {
		return false
	}
	if !isFinitePositive(o.Price) {
		return false
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return false
	}
	return true
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// VolumeObservation is a volume datum from one source.
type VolumeObservation struct {
	Symbol    string
	Volume    float64
	Timestamp time.Time
	Source    string
}

// AggregatedPrice is the consensus result for one feed, produced by the
// aggregation engine and served from cache.
type AggregatedPrice struct {
	Symbol         string
	Price          float64
	Timestamp      time.Time
	Sources        []string
	Confidence     float64
	ConsensusScore float64
	Stale          bool
}

// Age returns how old the aggregated price is relative to now.
func (a AggregatedPrice) Age(now time.Time) time.Duration {
	return now.Sub(a.Timestamp)
}

// ClampUnit clamps v to [0, 1], the shared range for confidence and
// consensus scores throughout the data plane.
func ClampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
