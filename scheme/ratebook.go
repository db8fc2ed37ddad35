package scheme

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// RATE PROVIDER - Point-in-time metal rates
// =============================================================================

// RateProvider resolves the rate per gram in force for a grade at an instant.
// Rates are supplied from outside; nothing here computes them.
type RateProvider interface {
	RateAt(ctx context.Context, retailerID RetailerID, grade Grade, at time.Time) (RateSnapshot, error)
}

// ValidateRate checks a snapshot before it is stored.
func ValidateRate(r RateSnapshot) error {
	if !r.Grade.Valid() {
		return &InvalidInputError{Field: "grade", Value: r.Grade, Reason: "unknown grade"}
	}
	if !r.RatePerGram.IsPositive() {
		return &InvalidInputError{Field: "rate_per_gram", Value: r.RatePerGram, Reason: "must be positive"}
	}
	if r.EffectiveFrom.IsZero() {
		return &InvalidInputError{Field: "effective_from", Value: r.EffectiveFrom, Reason: "is required"}
	}
	return nil
}

// LatestEffective picks the snapshot with the greatest EffectiveFrom not
// after at, among rates for the given retailer and grade. Ties resolve to
// the greater ID so the choice does not depend on slice order.
func LatestEffective(rates []RateSnapshot, retailerID RetailerID, grade Grade, at time.Time) (RateSnapshot, error) {
	var best *RateSnapshot
	for i := range rates {
		r := &rates[i]
		if r.RetailerID != retailerID || r.Grade != grade || r.EffectiveFrom.After(at) {
			continue
		}
		if best == nil || r.EffectiveFrom.After(best.EffectiveFrom) ||
			(r.EffectiveFrom.Equal(best.EffectiveFrom) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return RateSnapshot{}, &RateNotFoundError{RetailerID: retailerID, Grade: grade, At: at.UTC().Format(time.RFC3339)}
	}
	return *best, nil
}

// =============================================================================
// RATE BOOK - In-memory RateProvider
// =============================================================================

// RateBook holds rate snapshots in memory. Safe for concurrent use.
type RateBook struct {
	mu    sync.RWMutex
	rates []RateSnapshot
}

func NewRateBook(rates ...RateSnapshot) (*RateBook, error) {
	b := &RateBook{}
	for _, r := range rates {
		if err := b.Add(r); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add validates and stores a snapshot.
func (b *RateBook) Add(r RateSnapshot) error {
	if err := ValidateRate(r); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rates = append(b.rates, r)
	return nil
}

func (b *RateBook) RateAt(_ context.Context, retailerID RetailerID, grade Grade, at time.Time) (RateSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return LatestEffective(b.rates, retailerID, grade, at)
}

// Current returns the latest rate at "at" for every grade that has one.
func (b *RateBook) Current(retailerID RetailerID, at time.Time) map[Grade]RateSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Grade]RateSnapshot)
	for _, g := range Grades {
		if r, err := LatestEffective(b.rates, retailerID, g, at); err == nil {
			out[g] = r
		}
	}
	return out
}

// History returns all snapshots for a retailer and grade, newest first.
func (b *RateBook) History(retailerID RetailerID, grade Grade) []RateSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []RateSnapshot
	for _, r := range b.rates {
		if r.RetailerID == retailerID && r.Grade == grade {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveFrom.After(out[j].EffectiveFrom) })
	return out
}
