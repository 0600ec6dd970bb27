package params

import "time"

// Parameters are the process-wide routing constants. The value is built
// once before the node starts and passed by value; nothing mutates it
// afterwards.
type Parameters struct {
	MaxTableSize       int // vault routing table capacity
	ClosestSize        int // size of the maintained close neighbourhood
	GroupSize          int // replication group size
	ProximalSize       int // radius reference for the proximal band
	BucketTarget       int // per-bucket occupancy target outside the close set
	MaxClientTableSize int

	MaxForwardAttempts     int
	DefaultResponseTimeout time.Duration
	RouteHistoryCap        int

	CacheBudgetBytes int
}

func Default() Parameters {
	return Parameters{
		MaxTableSize:           64,
		ClosestSize:            8,
		GroupSize:              4,
		ProximalSize:           8,
		BucketTarget:           1,
		MaxClientTableSize:     64,
		MaxForwardAttempts:     3,
		DefaultResponseTimeout: 10 * time.Second,
		RouteHistoryCap:        128,
		CacheBudgetBytes:       8 << 20,
	}
}

// Normalized fills zero fields with defaults so callers can override only
// what they care about.
func (p Parameters) Normalized() Parameters {
	d := Default()
	if p.MaxTableSize <= 0 {
		p.MaxTableSize = d.MaxTableSize
	}
	if p.ClosestSize <= 0 {
		p.ClosestSize = d.ClosestSize
	}
	if p.GroupSize <= 0 {
		p.GroupSize = d.GroupSize
	}
	if p.ProximalSize <= 0 {
		p.ProximalSize = d.ProximalSize
	}
	if p.BucketTarget <= 0 {
		p.BucketTarget = d.BucketTarget
	}
	if p.MaxClientTableSize <= 0 {
		p.MaxClientTableSize = d.MaxClientTableSize
	}
	if p.MaxForwardAttempts <= 0 {
		p.MaxForwardAttempts = d.MaxForwardAttempts
	}
	if p.DefaultResponseTimeout <= 0 {
		p.DefaultResponseTimeout = d.DefaultResponseTimeout
	}
	if p.RouteHistoryCap < 2*p.MaxTableSize {
		// The history must outlast any plausible forwarding path or loop
		// avoidance breaks in mid-sized networks.
		p.RouteHistoryCap = 2 * p.MaxTableSize
	}
	if p.CacheBudgetBytes <= 0 {
		p.CacheBudgetBytes = d.CacheBudgetBytes
	}
	return p
}
