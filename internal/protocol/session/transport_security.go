package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode = errors.New("session: invalid security mode")
	ErrTLSRequired         = errors.New("session: tls required")
	ErrMTLSRequired        = errors.New("session: mutual tls required")
	ErrTLSMaterial         = errors.New("session: tls material missing")
	ErrInsecureSkipVerify  = errors.New("session: insecure skip verify not allowed")
)

// side is the end of a session being secured. Bus nodes are both.
type side uint8

const (
	sideDial side = iota
	sideListen
)

func (s side) String() string {
	if s == sideListen {
		return "listen"
	}
	return "dial"
}

// Normalize lower-cases mode and maps the empty mode to development.
func (m SecurityMode) Normalize() SecurityMode {
	v := SecurityMode(strings.ToLower(strings.TrimSpace(string(m))))
	if v == "" {
		return SecurityModeDevelopment
	}
	return v
}

// ValidateTransport checks TLS settings for both the dialing and the
// listening end of a session.
func (c Config) ValidateTransport() error {
	if err := c.validateSide(sideDial); err != nil {
		return err
	}
	return c.validateSide(sideListen)
}

func (c Config) validateSide(s side) error {
	t := c.TLS
	switch c.SecurityMode.Normalize() {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		switch {
		case !t.Enabled:
			return ErrTLSRequired
		case !t.Mutual:
			return ErrMTLSRequired
		case t.InsecureSkipVerify:
			return ErrInsecureSkipVerify
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if !t.Enabled {
		if t.Mutual {
			return ErrTLSRequired
		}
		return nil
	}

	// A listener always presents a certificate; a dialer only under mTLS.
	if s == sideListen || t.Mutual {
		if err := required(s, "cert_file", t.CertFile); err != nil {
			return err
		}
		if err := required(s, "key_file", t.KeyFile); err != nil {
			return err
		}
	}
	needCA := t.Mutual
	if s == sideDial {
		needCA = !t.InsecureSkipVerify
	}
	if needCA {
		return required(s, "ca_file", t.CAFile)
	}
	return nil
}

func required(s side, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s side needs %s", ErrTLSMaterial, s, name)
	}
	return nil
}

// tlsConfig builds the crypto/tls config for one side. On the dial side the
// server name defaults to the host part of addr.
func (c Config) tlsConfig(s side, addr string) (*tls.Config, error) {
	t := c.TLS
	out := &tls.Config{MinVersion: tls.VersionTLS12}

	if s == sideListen || t.Mutual {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("session: load %s keypair: %w", s, err)
		}
		out.Certificates = []tls.Certificate{cert}
	}

	var pool *x509.CertPool
	if ca := strings.TrimSpace(t.CAFile); ca != "" {
		var err error
		if pool, err = loadCertPool(ca); err != nil {
			return nil, err
		}
	}

	if s == sideListen {
		if t.Mutual || c.SecurityMode.Normalize() == SecurityModeProduction {
			out.ClientAuth = tls.RequireAndVerifyClientCert
			out.ClientCAs = pool
		}
		return out, nil
	}

	out.RootCAs = pool
	out.InsecureSkipVerify = t.InsecureSkipVerify
	out.ServerName = strings.TrimSpace(t.ServerName)
	if out.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		out.ServerName = host
	}
	return out, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("session: no certificates in ca bundle %s", path)
	}
	return pool, nil
}
