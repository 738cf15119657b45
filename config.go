package portmap

import "time"

// PortRange is an inclusive-exclusive range of candidate external ports for
// a protocol family, per spec.md section 6.
type PortRange struct {
	Low, High uint16
}

// Band is the min/max number of ready+in_progress+pending mappings the
// reconciliation loop tries to keep provisioned for one family (spec.md
// section 4.5 step 4).
type Band struct {
	Min, Max int
}

// Config holds every tunable named in spec.md section 6. The zero value is
// not directly usable; call (*Config).setDefaults (invoked automatically
// by NewCoordinator) to fill in anything left unset, following the
// teacher's nil-value-is-default convention (hlandau-portmap's
// denet.Backoff / Config.Backoff).
type Config struct {
	// TCPPortRange and UDPPortRange bound random external-port allocation.
	TCPPortRange PortRange
	UDPPortRange PortRange

	// TCPBand and UDPBand bound how many mappings of each family the
	// coordinator tries to keep open/pending at once.
	TCPBand Band
	UDPBand Band

	// ReconciliationInterval is how often the periodic sweep runs.
	ReconciliationInterval time.Duration

	// NATPMPLifetime is the default NAT-PMP allocation lifetime. The
	// coordinator does not pass it to any driver: the NAT-PMP driver
	// requests the lifetime given to natpmp.New.
	NATPMPLifetime time.Duration

	// DiscoveryTimeout is the default SSDP search-round length. No driver
	// reads it: the UPnP driver uses its own fixed 60s search timeout.
	DiscoveryTimeout time.Duration

	// MaxPortAllocationRetries bounds random-port collision retries per
	// reserve() call (spec.md section 5: 20).
	MaxPortAllocationRetries int

	// MaxUntrackedDeletesPerTick bounds how many router-side mappings the
	// prune step deletes in a single reconciliation tick (spec.md section
	// 5: 5).
	MaxUntrackedDeletesPerTick int
}

// DefaultConfig returns the tunables spec.md section 6 names as defaults.
func DefaultConfig() Config {
	return Config{
		TCPPortRange:               PortRange{Low: 10000, High: 15000},
		UDPPortRange:               PortRange{Low: 20000, High: 25000},
		TCPBand:                    Band{Min: 4, Max: 8},
		UDPBand:                    Band{Min: 8, Max: 12},
		ReconciliationInterval:     30 * time.Second,
		NATPMPLifetime:             3600 * time.Second,
		DiscoveryTimeout:           60 * time.Second,
		MaxPortAllocationRetries:   20,
		MaxUntrackedDeletesPerTick: 5,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.TCPPortRange == (PortRange{}) {
		c.TCPPortRange = d.TCPPortRange
	}
	if c.UDPPortRange == (PortRange{}) {
		c.UDPPortRange = d.UDPPortRange
	}
	if c.TCPBand == (Band{}) {
		c.TCPBand = d.TCPBand
	}
	if c.UDPBand == (Band{}) {
		c.UDPBand = d.UDPBand
	}
	if c.ReconciliationInterval == 0 {
		c.ReconciliationInterval = d.ReconciliationInterval
	}
	if c.NATPMPLifetime == 0 {
		c.NATPMPLifetime = d.NATPMPLifetime
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.MaxPortAllocationRetries == 0 {
		c.MaxPortAllocationRetries = d.MaxPortAllocationRetries
	}
	if c.MaxUntrackedDeletesPerTick == 0 {
		c.MaxUntrackedDeletesPerTick = d.MaxUntrackedDeletesPerTick
	}
}

// bandFor and rangeFor let reconciliation code stay family-agnostic.
func (c *Config) bandFor(family Protocol) Band {
	if family == UDP {
		return c.UDPBand
	}
	return c.TCPBand
}

func (c *Config) rangeFor(family Protocol) PortRange {
	if family == UDP {
		return c.UDPPortRange
	}
	return c.TCPPortRange
}
