// Package rcu defers the destruction of unlinked objects until every
// registered reader has passed a quiescent point.
//
// Readers live in a fixed table of slots, each holding the global version the
// reader observed at its last quiescent point (zero marks a free slot).
// Retiring an object bumps the global version and tags the object with the new
// value. A sweep frees every object whose tag is not newer than the oldest
// version still recorded by a reader. A reader that never becomes quiescent
// holds back reclamation forever; the domain only warns about it.
package rcu

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/monitoring"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/spin"
)

// Reclaimer is an object whose destruction was deferred.
type Reclaimer interface {
	Reclaim()
}

// Func adapts a function to Reclaimer.
type Func func()

// Reclaim calls f.
func (f Func) Reclaim() { f() }

type slot struct {
	version atomic.Uint64
	_       [56]byte // keep slots on separate cache lines
}

type pending struct {
	tag uint64
	at  time.Time
	obj Reclaimer
}

// Options configure a Domain.
type Options struct {
	// Name labels the domain's metrics, usually the image name.
	Name string
	// Readers is the capacity of the reader table.
	Readers int
	// StallAfter is how long an object may wait before the domain warns.
	StallAfter time.Duration
	// StallWarnInterval limits how often a stall is logged.
	StallWarnInterval time.Duration
}

// Domain is the reclamation domain of one process image.
type Domain struct {
	log     *zap.Logger
	metrics *monitoring.Metrics
	opts    Options

	version atomic.Uint64
	slots   []slot
	names   []string

	// mu guards the reader names and the pending list.
	mu      spin.Lock
	readers int
	pending []pending
	freed   uint64
	stall   *rate.Limiter
}

// New creates a domain.
func New(opts Options, log *zap.Logger, metrics *monitoring.Metrics) *Domain {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Readers <= 0 {
		opts.Readers = 64
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = time.Second
	}
	if opts.StallWarnInterval <= 0 {
		opts.StallWarnInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Domain{
		log:     log,
		metrics: metrics,
		opts:    opts,
		slots:   make([]slot, opts.Readers),
		names:   make([]string, opts.Readers),
		stall:   rate.NewLimiter(rate.Every(opts.StallWarnInterval), 1),
	}
	d.version.Store(1)
	return d
}

// Version returns the current global version.
func (d *Domain) Version() uint64 { return d.version.Load() }

// Reader is a registered reader thread.
type Reader struct {
	d    *Domain
	idx  int
	gone atomic.Bool
}

// offline is the version of readers that hold no references at all. It is
// never below a pending tag, so sweeps skip these readers.
const offline = math.MaxUint64

// Register adds a reader. It fails with errs.Capacity when the table is full.
func (d *Domain) Register(name string) (*Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.slots {
		if d.slots[i].version.Load() != 0 {
			continue
		}
		d.slots[i].version.Store(d.version.Load())
		d.names[i] = name
		d.readers++
		d.metrics.SetRCUReaders(d.opts.Name, d.readers)
		return &Reader{d: d, idx: i}, nil
	}
	return nil, errs.Newf("rcu.register", errs.Capacity, "%d readers", len(d.slots))
}

// Quiescent records that the reader holds no reference obtained before now.
// It is a single atomic store and safe to call on a nil reader.
func (r *Reader) Quiescent() {
	if r == nil || r.gone.Load() {
		return
	}
	r.d.slots[r.idx].version.Store(r.d.version.Load())
}

// Offline declares that the reader holds no references until Online. A reader
// blocked for an unbounded time goes offline so it does not hold back grace
// periods.
func (r *Reader) Offline() {
	if r == nil || r.gone.Load() {
		return
	}
	r.d.slots[r.idx].version.Store(offline)
}

// Online ends an Offline period. The reader is quiescent at this point.
func (r *Reader) Online() { r.Quiescent() }

// Unregister removes the reader. Objects it was holding back become
// reclaimable at the next sweep.
func (r *Reader) Unregister() {
	if r == nil || !r.gone.CompareAndSwap(false, true) {
		return
	}
	d := r.d
	d.mu.Lock()
	d.slots[r.idx].version.Store(0)
	d.names[r.idx] = ""
	d.readers--
	d.metrics.SetRCUReaders(d.opts.Name, d.readers)
	d.mu.Unlock()
}

// Retire queues obj for reclamation once all current readers are quiescent.
// obj must already be unreachable for new readers.
func (d *Domain) Retire(obj Reclaimer) {
	tag := d.version.Add(1)
	d.mu.Lock()
	d.pending = append(d.pending, pending{tag: tag, at: time.Now(), obj: obj})
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.RecordRetire(d.opts.Name, n)
}

// minVersion is the oldest version recorded by any reader. d.mu must be held.
func (d *Domain) minVersion() uint64 {
	min := uint64(math.MaxUint64)
	for i := range d.slots {
		if v := d.slots[i].version.Load(); v != 0 && v < min {
			min = v
		}
	}
	return min
}

// Sweep reclaims every pending object whose grace period has ended and
// returns how many it freed. Each object is reclaimed exactly once, outside
// the domain lock.
func (d *Domain) Sweep() int {
	d.mu.Lock()
	min := d.minVersion()
	var ready []Reclaimer
	keep := d.pending[:0]
	for _, p := range d.pending {
		if p.tag <= min {
			ready = append(ready, p.obj)
		} else {
			keep = append(keep, p)
		}
	}
	for i := len(keep); i < len(d.pending); i++ {
		d.pending[i] = pending{}
	}
	d.pending = keep
	d.freed += uint64(len(ready))
	left := len(d.pending)
	stalled := left > 0 && time.Since(d.pending[0].at) > d.opts.StallAfter
	var holders []string
	if stalled {
		for i := range d.slots {
			if v := d.slots[i].version.Load(); v != 0 && v < d.pending[0].tag {
				holders = append(holders, d.names[i])
			}
		}
	}
	d.mu.Unlock()

	for _, obj := range ready {
		obj.Reclaim()
	}

	d.metrics.RecordSweep(d.opts.Name, len(ready), left, stalled)
	if stalled && d.stall.Allow() {
		d.log.Warn("Grace period stalled",
			zap.Int("pending", left),
			zap.Strings("readers", holders),
			zap.Uint64("version", d.version.Load()))
	}
	return len(ready)
}

// Run sweeps every interval until ctx is done, then performs a last sweep.
func (d *Domain) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Sweep()
			return nil
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Stats describes the domain.
type Stats struct {
	Version uint64 `json:"version"`
	Readers int    `json:"readers"`
	Slots   int    `json:"slots"`
	Pending int    `json:"pending"`
	Freed   uint64 `json:"freed"`
}

// Stats returns a snapshot of the domain.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Version: d.version.Load(),
		Readers: d.readers,
		Slots:   len(d.slots),
		Pending: len(d.pending),
		Freed:   d.freed,
	}
}
