package heapsim

// Stats is a snapshot of heap statistics.
type Stats struct {
	// Live is the number of allocated chunks.
	Live int

	// Free is the number of chunks sitting in a free list.
	Free int

	// InUse is the number of bytes held by live chunks,
	// including size class rounding.
	InUse int

	// Mapped is the number of mapped bytes.
	Mapped int

	// Allocs and Frees count successful calls.
	Allocs int
	Frees  int

	// Reused counts allocations satisfied from a free list.
	Reused int
}

// Stats returns a snapshot of the heap's statistics.
func (o *Heap) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.stats
}

// Utilization returns the ratio of bytes in use to bytes mapped.
func (o Stats) Utilization() float64 {
	if o.Mapped == 0 {
		return 0
	}

	return float64(o.InUse) / float64(o.Mapped)
}
