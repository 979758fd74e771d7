package evict

// Stats are cumulative counters. They are reported only; eviction never reads them.
type Stats struct {
	Hits              uint64
	Misses            uint64
	Sets              uint64
	Deletes           uint64
	Evictions         uint64 // CapacityEvictions + ExpiredEvictions
	CapacityEvictions uint64
	ExpiredEvictions  uint64

	Entries     int
	MemoryUsage int64
	MaxEntries  int
	MaxMemory   int64
}

// HitRate returns hits / (hits + misses), or 0 before any read.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	s.MemoryUsage = c.memory
	s.MaxEntries = c.maxEntries
	s.MaxMemory = c.maxMemory
	return s
}

// ResetStats zeroes the cumulative counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
}
