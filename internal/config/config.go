package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/swbus/internal/bus"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/session"
)

var ErrInvalid = errors.New("config: invalid")

// Config is a loaded daemon configuration: the node itself plus the
// diagnostics HTTP surface.
type Config struct {
	Bus             bus.Config
	DiagnosticsAddr string
	CorsOrigins     []string
}

// FileConfig mirrors the TOML file. Durations are Go duration strings.
type FileConfig struct {
	Identity        string         `toml:"identity"`
	Listen          string         `toml:"listen,omitempty"`
	Advertise       []string       `toml:"advertise,omitempty"`
	Tokens          []string       `toml:"tokens,omitempty"`
	HopLimit        int            `toml:"hop_limit,omitempty"`
	RequestTimeout  string         `toml:"request_timeout,omitempty"`
	MailboxCapacity int            `toml:"mailbox_capacity,omitempty"`
	Overflow        string         `toml:"overflow,omitempty"`
	BlockTimeout    string         `toml:"block_timeout,omitempty"`
	DiagnosticsAddr string         `toml:"diagnostics_addr,omitempty"`
	CorsOrigins     []string       `toml:"cors_origins,omitempty"`
	Session         SessionFile    `toml:"session"`
	Retry           RetryFile      `toml:"retry"`
	Dedup           DedupFile      `toml:"dedup"`
	Neighbors       []NeighborFile `toml:"neighbors,omitempty"`
}

type SessionFile struct {
	ConnectTimeout    string  `toml:"connect_timeout,omitempty"`
	HandshakeTimeout  string  `toml:"handshake_timeout,omitempty"`
	WriteTimeout      string  `toml:"write_timeout,omitempty"`
	HeartbeatInterval string  `toml:"heartbeat_interval,omitempty"`
	DegradedAfter     string  `toml:"degraded_after,omitempty"`
	DeadAfter         string  `toml:"dead_after,omitempty"`
	SendQueue         int     `toml:"send_queue,omitempty"`
	SecurityMode      string  `toml:"security_mode,omitempty"`
	TLS               TLSFile `toml:"tls"`
}

type TLSFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file,omitempty"`
	KeyFile            string `toml:"key_file,omitempty"`
	CAFile             string `toml:"ca_file,omitempty"`
	ServerName         string `toml:"server_name,omitempty"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify,omitempty"`
}

type RetryFile struct {
	MaxAttempts       int     `toml:"max_attempts,omitempty"`
	AttemptTimeout    string  `toml:"attempt_timeout,omitempty"`
	BackoffInitial    string  `toml:"backoff_initial,omitempty"`
	BackoffMax        string  `toml:"backoff_max,omitempty"`
	BackoffMultiplier float64 `toml:"backoff_multiplier,omitempty"`
}

type DedupFile struct {
	Capacity int    `toml:"capacity,omitempty"`
	Window   string `toml:"window,omitempty"`
}

type NeighborFile struct {
	Name     string   `toml:"name"`
	Endpoint string   `toml:"endpoint"`
	Role     string   `toml:"role,omitempty"`
	Identity string   `toml:"identity,omitempty"`
	Prefixes []string `toml:"prefixes,omitempty"`
	Cost     uint32   `toml:"cost,omitempty"`
}

// Load reads path and applies every key it defines onto the defaults.
func Load(path string) (Config, error) {
	var raw FileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalid, path, undecoded)
	}
	cfg, err := build(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func build(raw FileConfig, meta toml.MetaData) (Config, error) {
	cfg := Config{Bus: bus.DefaultConfig()}
	b := &cfg.Bus

	id, err := protocol.ParseAddress(strings.TrimSpace(raw.Identity))
	if err != nil {
		return Config{}, fmt.Errorf("%w: identity: %w", ErrInvalid, err)
	}
	b.Identity = id
	if meta.IsDefined("listen") {
		b.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	for i, p := range raw.Advertise {
		a, err := protocol.ParseAddress(strings.TrimSpace(p))
		if err != nil {
			return Config{}, fmt.Errorf("%w: advertise[%d]: %w", ErrInvalid, i, err)
		}
		b.Advertise = append(b.Advertise, a)
	}
	b.Tokens = normalize(raw.Tokens)
	if meta.IsDefined("hop_limit") {
		if raw.HopLimit < 1 || raw.HopLimit > 255 {
			return Config{}, fmt.Errorf("%w: hop_limit %d out of range 1..255", ErrInvalid, raw.HopLimit)
		}
		b.HopLimit = uint8(raw.HopLimit)
	}
	if err := duration(meta, "request_timeout", raw.RequestTimeout, &b.RequestTimeout); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("mailbox_capacity") {
		b.MailboxCapacity = raw.MailboxCapacity
	}
	if meta.IsDefined("overflow") {
		b.Overflow = bus.OverflowPolicy(strings.ToLower(strings.TrimSpace(raw.Overflow)))
	}
	if err := duration(meta, "block_timeout", raw.BlockTimeout, &b.BlockTimeout); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("diagnostics_addr") {
		cfg.DiagnosticsAddr = strings.TrimSpace(raw.DiagnosticsAddr)
	}
	cfg.CorsOrigins = normalize(raw.CorsOrigins)

	if err := applySession(meta, raw.Session, &b.Session); err != nil {
		return Config{}, err
	}
	if err := applyRetry(meta, raw.Retry, &b.Retry); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("dedup", "capacity") {
		b.Dedup.Capacity = raw.Dedup.Capacity
	}
	if err := duration(meta, "dedup.window", raw.Dedup.Window, &b.Dedup.Window); err != nil {
		return Config{}, err
	}

	neighbors, err := Neighbors(raw.Neighbors)
	if err != nil {
		return Config{}, err
	}
	b.Neighbors = neighbors

	*b = b.WithDefaults()
	if err := b.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applySession(meta toml.MetaData, raw SessionFile, out *session.Config) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"session.connect_timeout", raw.ConnectTimeout, &out.ConnectTimeout},
		{"session.handshake_timeout", raw.HandshakeTimeout, &out.HandshakeTimeout},
		{"session.write_timeout", raw.WriteTimeout, &out.WriteTimeout},
		{"session.heartbeat_interval", raw.HeartbeatInterval, &out.HeartbeatInterval},
		{"session.degraded_after", raw.DegradedAfter, &out.DegradedAfter},
		{"session.dead_after", raw.DeadAfter, &out.SessionDeadAfter},
	}
	for _, d := range durations {
		if err := duration(meta, d.key, d.val, d.dst); err != nil {
			return err
		}
	}
	if meta.IsDefined("session", "send_queue") {
		out.SendQueueSize = raw.SendQueue
	}
	if meta.IsDefined("session", "security_mode") {
		out.SecurityMode = session.SecurityMode(raw.SecurityMode).Normalize()
	}
	if meta.IsDefined("session", "tls") {
		out.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return nil
}

func applyRetry(meta toml.MetaData, raw RetryFile, out *bus.RetryConfig) error {
	if meta.IsDefined("retry", "max_attempts") {
		out.MaxAttempts = raw.MaxAttempts
	}
	if err := duration(meta, "retry.attempt_timeout", raw.AttemptTimeout, &out.AttemptTimeout); err != nil {
		return err
	}
	if err := duration(meta, "retry.backoff_initial", raw.BackoffInitial, &out.Backoff.InitialDelay); err != nil {
		return err
	}
	if err := duration(meta, "retry.backoff_max", raw.BackoffMax, &out.Backoff.MaxDelay); err != nil {
		return err
	}
	if meta.IsDefined("retry", "backoff_multiplier") {
		out.Backoff.Multiplier = raw.BackoffMultiplier
	}
	return nil
}

// Neighbors converts file entries into bus neighbor configs.
func Neighbors(in []NeighborFile) ([]bus.NeighborConfig, error) {
	out := make([]bus.NeighborConfig, 0, len(in))
	for i, nf := range in {
		nc, err := neighbor(nf)
		if err != nil {
			return nil, fmt.Errorf("%w: neighbor[%d] invalid: %w", ErrInvalid, i, err)
		}
		out = append(out, nc)
	}
	return out, nil
}

func neighbor(nf NeighborFile) (bus.NeighborConfig, error) {
	nc := bus.NeighborConfig{
		Name:     strings.TrimSpace(nf.Name),
		Endpoint: strings.TrimSpace(nf.Endpoint),
		Cost:     nf.Cost,
	}
	if nc.Name == "" {
		return nc, fmt.Errorf("name is required")
	}
	if nc.Endpoint == "" {
		return nc, fmt.Errorf("endpoint is required")
	}
	role, err := session.ParseRole(nf.Role)
	if err != nil {
		return nc, err
	}
	nc.Role = role
	if id := strings.TrimSpace(nf.Identity); id != "" {
		if nc.Identity, err = protocol.ParseAddress(id); err != nil {
			return nc, fmt.Errorf("identity: %w", err)
		}
	}
	for _, p := range nf.Prefixes {
		a, err := protocol.ParsePrefix(strings.TrimSpace(p))
		if err != nil {
			return nc, fmt.Errorf("prefix %q: %w", p, err)
		}
		nc.Prefixes = append(nc.Prefixes, a)
	}
	return nc, nil
}

// duration parses val into dst when key (dotted for nested tables) is set.
func duration(meta toml.MetaData, key, val string, dst *time.Duration) error {
	if !meta.IsDefined(strings.Split(key, ".")...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrInvalid, key, err)
	}
	*dst = d
	return nil
}

func normalize(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
