// Package caps hands out capability selectors of the process.
//
// Selectors come from a bump allocator between a first free selector and the
// boot-time ceiling. Released selectors are never handed out again: a stale
// selector kept by some thread can therefore never name an unrelated object.
// Free only validates and accounts the release.
package caps

import (
	"math/bits"
	"sync/atomic"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/monitoring"
)

// Space is the selector allocator of one process. It is safe for concurrent use.
type Space struct {
	start abi.Sel
	limit abi.Sel

	off   atomic.Uint64
	freed atomic.Uint64

	metrics *monitoring.Metrics
}

// New creates a space handing out selectors in [start, limit).
func New(start, limit abi.Sel, metrics *monitoring.Metrics) (*Space, error) {
	if start.Value() != start || limit.Value() != limit || start >= limit {
		return nil, errs.Newf("caps.new", errs.ArgsInvalid, "bad range [%s, %s)", start, limit)
	}
	s := &Space{start: start, limit: limit, metrics: metrics}
	s.off.Store(uint64(start))
	return s, nil
}

// Allocate returns the first of count fresh selectors, aligned to align.
func (s *Space) Allocate(count, align uint64) (abi.Sel, error) {
	const op = "caps.allocate"
	if count == 0 || align == 0 || bits.OnesCount64(align) != 1 {
		return 0, errs.Newf(op, errs.ArgsInvalid, "count %d align %d", count, align)
	}

	for {
		cur := s.off.Load()
		base := (cur + align - 1) &^ (align - 1)
		end := base + count
		if base < cur || end < base || end > uint64(s.limit) {
			return 0, errs.Newf(op, errs.Capacity, "%d selectors at %#x exceed %s", count, base, s.limit)
		}
		if s.off.CompareAndSwap(cur, end) {
			s.metrics.AddSelectors(int(count))
			return abi.Sel(base), nil
		}
	}
}

// Alloc allocates a single selector.
func (s *Space) Alloc() (abi.Sel, error) { return s.Allocate(1, 1) }

// Free releases count selectors starting at base. Selectors carrying the
// keep-selector flag stay allocated.
func (s *Space) Free(base abi.Sel, count uint64) error {
	if base.KeepsSel() || count == 0 {
		return nil
	}
	b := base.Value()
	if b < s.start || uint64(b)+count > s.off.Load() {
		return errs.Newf("caps.free", errs.ArgsInvalid, "%d selectors at %s were never allocated", count, b)
	}
	s.freed.Add(count)
	s.metrics.FreeSelectors(int(count))
	return nil
}

// Stats describes the allocator state.
type Stats struct {
	Start  uint64 `json:"start"`
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
	Freed  uint64 `json:"freed"`
}

// Stats returns a snapshot of the allocator state.
func (s *Space) Stats() Stats {
	return Stats{
		Start:  uint64(s.start),
		Offset: s.off.Load(),
		Limit:  uint64(s.limit),
		Freed:  s.freed.Load(),
	}
}
