package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Sample is one timestamped observation.
type Sample struct {
	Value float64
	At    time.Time
}

// Ring is a bounded sample buffer that overwrites its oldest entry when full.
type Ring struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	full bool
}

// NewRing creates a ring holding at most size samples.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]Sample, size)}
}

// Add appends s, evicting the oldest sample when the ring is full.
func (r *Ring) Add(s Sample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *Ring) lenLocked() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot returns the samples oldest first.
func (r *Ring) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Ring) snapshotLocked() []Sample {
	n := r.lenLocked()
	out := make([]Sample, 0, n)
	if r.full {
		out = append(out, r.buf[r.next:]...)
		out = append(out, r.buf[:r.next]...)
		return out
	}
	return append(out, r.buf[:r.next]...)
}

// Trim drops samples taken before cutoff and returns how many were removed.
func (r *Ring) Trim(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.snapshotLocked()
	kept := all[:0:0]
	for _, s := range all {
		if !s.At.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0
	}
	for i := range r.buf {
		r.buf[i] = Sample{}
	}
	copy(r.buf, kept)
	r.next = len(kept) % len(r.buf)
	r.full = len(kept) == len(r.buf)
	return removed
}

// Stats summarizes a set of samples.
type Stats struct {
	Count int
	Mean  float64
	P95   float64
	Max   float64
}

// Stats computes summary statistics over the samples held.
func (r *Ring) Stats() Stats {
	samples := r.Snapshot()
	if len(samples) == 0 {
		return Stats{}
	}
	values := make([]float64, len(samples))
	sum := 0.0
	maxV := math.Inf(-1)
	for i, s := range samples {
		values[i] = s.Value
		sum += s.Value
		if s.Value > maxV {
			maxV = s.Value
		}
	}
	sort.Float64s(values)
	idx := int(math.Ceil(0.95*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	return Stats{
		Count: len(values),
		Mean:  sum / float64(len(values)),
		P95:   values[idx],
		Max:   maxV,
	}
}
