package session

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/swbus/internal/logging"
)

// Dial connects to addr, runs the handshake and returns an established
// session.
func Dial(ctx context.Context, addr string, cfg Config, opts Options) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validateSide(sideDial); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := rawConn
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.tlsConfig(sideDial, addr)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return establish(conn, cfg, Outbound, opts)
}

// Accept runs the handshake on a connection taken from a Listen listener.
func Accept(conn net.Conn, cfg Config, opts Options) (*Session, error) {
	return establish(conn, cfg.WithDefaults(), Inbound, opts)
}

// Listen opens a TCP or TLS listener per cfg.TLS.
func Listen(addr string, cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validateSide(sideListen); err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := cfg.tlsConfig(sideListen, addr)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// RetryPolicy bounds DialRetry. MaxAttempts <= 0 retries until ctx is done.
// OnFailure sees every failed attempt; a non-nil return stops the loop and
// is returned as is.
type RetryPolicy struct {
	MaxAttempts int
	OnFailure   func(attempt int, err error) error
}

// DialRetry dials until a session is established, sleeping
// cfg.Backoff.Delay between attempts.
func DialRetry(ctx context.Context, addr string, cfg Config, opts Options, policy RetryPolicy) (*Session, error) {
	cfg = cfg.WithDefaults()
	log := logging.Component("session")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		s, err := Dial(ctx, addr, cfg, opts)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("session.DialRetry attempt failed")
		if policy.OnFailure != nil {
			if stop := policy.OnFailure(attempt, err); stop != nil {
				return nil, stop
			}
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return nil, err
		}
		if err := SleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// SleepBackoff waits cfg.Delay(attempt) or until ctx is done.
func SleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(cfg.Delay(attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
