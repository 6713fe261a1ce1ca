package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("bus: invalid config")

// OverflowPolicy decides what a send does when the next-hop session queue is
// full.
type OverflowPolicy string

const (
	// OverflowBlock waits up to Config.BlockTimeout for queue space.
	OverflowBlock OverflowPolicy = "block"
	// OverflowShed fails immediately with protocol.ErrQueueFull.
	OverflowShed OverflowPolicy = "shed"
)

// NeighborConfig is one configured adjacency this node dials.
type NeighborConfig struct {
	Name     string
	Endpoint string
	// Role is the neighbor's role relative to this node. A parent also
	// receives the default route.
	Role session.Role
	// Identity, when set, must match the identity the neighbor announces.
	Identity protocol.Address
	// Prefixes are routed to the neighbor in addition to what it announces.
	Prefixes []protocol.Address
	Cost     uint32
}

func (n NeighborConfig) sameSession(o NeighborConfig) bool {
	return n.Endpoint == o.Endpoint && n.Role == o.Role && n.Identity == o.Identity
}

type RetryConfig struct {
	// MaxAttempts counts the first send.
	MaxAttempts int
	// AttemptTimeout is how long one attempt waits before a retry. Zero
	// splits the request timeout evenly across attempts.
	AttemptTimeout time.Duration
	Backoff        session.BackoffConfig
}

type DedupConfig struct {
	Capacity int
	Window   time.Duration
}

// Config is everything a Node needs. Zero fields take defaults in
// WithDefaults.
type Config struct {
	Identity   protocol.Address
	ListenAddr string
	Neighbors  []NeighborConfig
	// Advertise lists prefixes announced to peers besides Identity.
	Advertise []protocol.Address
	// Tokens are the accepted shared tokens; the first one is presented.
	Tokens []string

	Session         session.Config
	HopLimit        uint8
	RequestTimeout  time.Duration
	Retry           RetryConfig
	Dedup           DedupConfig
	MailboxCapacity int
	Overflow        OverflowPolicy
	BlockTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Session:        session.DefaultConfig(),
		HopLimit:       protocol.DefaultHopLimit,
		RequestTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff: session.BackoffConfig{
				InitialDelay: 100 * time.Millisecond,
				Multiplier:   2.0,
				MaxDelay:     time.Second,
				Jitter:       true,
			},
		},
		Dedup:           DedupConfig{Capacity: 4096, Window: 30 * time.Second},
		MailboxCapacity: 256,
		Overflow:        OverflowBlock,
		BlockTimeout:    500 * time.Millisecond,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if c.HopLimit == 0 {
		c.HopLimit = d.HopLimit
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.Backoff.InitialDelay <= 0 {
		c.Retry.Backoff = d.Retry.Backoff
	}
	if c.Dedup.Capacity <= 0 {
		c.Dedup.Capacity = d.Dedup.Capacity
	}
	if c.Dedup.Window <= 0 {
		c.Dedup.Window = d.Dedup.Window
	}
	if c.MailboxCapacity <= 0 {
		c.MailboxCapacity = d.MailboxCapacity
	}
	if c.Overflow == "" {
		c.Overflow = d.Overflow
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	for i := range c.Neighbors {
		if c.Neighbors[i].Role == "" {
			c.Neighbors[i].Role = session.RolePeer
		}
		if c.Neighbors[i].Cost == 0 {
			c.Neighbors[i].Cost = 1
		}
	}
	return c
}

func (c Config) Validate() error {
	if c.Identity.IsRoot() {
		return fmt.Errorf("%w: identity required", ErrInvalidConfig)
	}
	switch c.Overflow {
	case OverflowBlock, OverflowShed, "":
	default:
		return fmt.Errorf("%w: overflow %q", ErrInvalidConfig, c.Overflow)
	}
	if err := c.Session.ValidateTransport(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	names := make(map[string]bool, len(c.Neighbors))
	for i, nb := range c.Neighbors {
		if strings.TrimSpace(nb.Name) == "" {
			return fmt.Errorf("%w: neighbor[%d] missing name", ErrInvalidConfig, i)
		}
		if names[nb.Name] {
			return fmt.Errorf("%w: neighbor[%d] duplicate name %q", ErrInvalidConfig, i, nb.Name)
		}
		names[nb.Name] = true
		if strings.TrimSpace(nb.Endpoint) == "" {
			return fmt.Errorf("%w: neighbor %q missing endpoint", ErrInvalidConfig, nb.Name)
		}
		if _, err := session.ParseRole(string(nb.Role)); err != nil {
			return fmt.Errorf("%w: neighbor %q: %v", ErrInvalidConfig, nb.Name, err)
		}
		if nb.Identity == c.Identity {
			return fmt.Errorf("%w: neighbor %q uses this node's identity", ErrInvalidConfig, nb.Name)
		}
	}
	return nil
}
