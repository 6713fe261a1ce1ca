package session

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/swbus/internal/auth"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/frame"
	jsoniter "github.com/json-iterator/go"
)

// ProtocolVersion is advertised in every hello. Peers must share the major
// version.
const ProtocolVersion = "1.0.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Role is a node's position relative to the node it is talking to.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
	RolePeer   Role = "peer"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleParent, RoleChild, RolePeer:
		return r, nil
	case "":
		return RolePeer, nil
	default:
		return "", fmt.Errorf("session: unknown role %q", raw)
	}
}

// Inverse returns the role the other side plays: if the remote is my
// parent, I am its child.
func (r Role) Inverse() Role {
	switch r {
	case RoleParent:
		return RoleChild
	case RoleChild:
		return RoleParent
	default:
		return RolePeer
	}
}

// Hello opens every session in both directions. Role is the sender's role
// relative to the receiver.
type Hello struct {
	NodeID   string   `json:"node_id"`
	Identity string   `json:"identity"`
	Role     Role     `json:"role"`
	Version  string   `json:"version"`
	Prefixes []string `json:"prefixes,omitempty"`
}

// HelloAck reports whether the receiver accepted the sender's hello.
type HelloAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	NodeID   string `json:"node_id"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", protocol.ErrHandshake)
	}
	if _, err := protocol.ParseAddress(h.Identity); err != nil {
		return fmt.Errorf("%w: identity: %w", protocol.ErrHandshake, err)
	}
	if _, err := ParseRole(string(h.Role)); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
	}
	for i, p := range h.Prefixes {
		if _, err := protocol.ParseAddress(p); err != nil {
			return fmt.Errorf("%w: prefixes[%d]: %w", protocol.ErrHandshake, i, err)
		}
	}
	return nil
}

// IdentityAddress returns the parsed identity; call after Validate.
func (h Hello) IdentityAddress() protocol.Address {
	a, _ := protocol.ParseAddress(h.Identity)
	return a
}

// PrefixAddresses returns the parsed advertised prefixes; call after Validate.
func (h Hello) PrefixAddresses() []protocol.Address {
	out := make([]protocol.Address, 0, len(h.Prefixes))
	for _, p := range h.Prefixes {
		if a, err := protocol.ParseAddress(p); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// HandshakeOptions carries the local side of a handshake.
type HandshakeOptions struct {
	Local Hello
	// Token is sent in the hello frame auth block.
	Token string
	// Auth validates the peer's token. Nil accepts any peer.
	Auth auth.Validator
	// ExpectIdentity rejects a peer announcing a different identity. Root
	// accepts any identity.
	ExpectIdentity protocol.Address
	// Admit lets the owner refuse a peer, for example a second session for
	// an identity that is already connected.
	Admit func(peer Hello) error
}

func checkVersion(local, peer string) error {
	lv, err := semver.NewVersion(local)
	if err != nil {
		return fmt.Errorf("%w: local version %q: %v", protocol.ErrHandshake, local, err)
	}
	pv, err := semver.NewVersion(peer)
	if err != nil {
		return fmt.Errorf("%w: peer version %q: %v", protocol.ErrHandshake, peer, err)
	}
	c, err := semver.NewConstraint(fmt.Sprintf("%d.x", lv.Major()))
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
	}
	if !c.Check(pv) {
		return fmt.Errorf("%w: version mismatch local=%s peer=%s", protocol.ErrHandshake, lv, pv)
	}
	return nil
}

func (o HandshakeOptions) check(peer Hello, token []byte) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	if err := checkVersion(o.Local.Version, peer.Version); err != nil {
		return err
	}
	id := peer.IdentityAddress()
	if id.String() == o.Local.Identity {
		return fmt.Errorf("%w: identity conflict: peer claims local identity %s", protocol.ErrHandshake, id)
	}
	if !o.ExpectIdentity.IsRoot() && id != o.ExpectIdentity {
		return fmt.Errorf("%w: identity conflict: expected %s got %s", protocol.ErrHandshake, o.ExpectIdentity, id)
	}
	if o.Auth != nil {
		if err := o.Auth.Validate(string(token)); err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrHandshake, err)
		}
	}
	if o.Admit != nil {
		if err := o.Admit(peer); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
		}
	}
	return nil
}

// handshake exchanges hellos and acks on conn under cfg.HandshakeTimeout.
// Both sides run the same sequence: send hello, read hello, send ack, read
// ack. A rejection on either side fails both.
func handshake(conn net.Conn, cfg Config, opts HandshakeOptions) (Hello, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if opts.Local.Version == "" {
		opts.Local.Version = ProtocolVersion
	}
	body, err := json.Marshal(opts.Local)
	if err != nil {
		return Hello{}, err
	}
	if err := frame.WriteFrame(conn, frame.New(frame.MsgHello, 0, []byte(opts.Token), body), cfg.Limits); err != nil {
		return Hello{}, fmt.Errorf("%w: write hello: %v", protocol.ErrHandshake, err)
	}

	f, err := frame.ReadFrame(conn, cfg.Limits)
	if err != nil {
		return Hello{}, fmt.Errorf("%w: read hello: %v", protocol.ErrHandshake, err)
	}
	if f.Header.MessageType != frame.MsgHello {
		return Hello{}, fmt.Errorf("%w: expected hello got %s", protocol.ErrHandshake, frame.MessageTypeName(f.Header.MessageType))
	}
	var peer Hello
	checkErr := json.Unmarshal(f.Payload, &peer)
	if checkErr != nil {
		checkErr = fmt.Errorf("%w: malformed hello: %v", protocol.ErrHandshake, checkErr)
	} else {
		checkErr = opts.check(peer, f.Auth)
	}

	ack := HelloAck{Accepted: checkErr == nil, NodeID: opts.Local.NodeID}
	if checkErr != nil {
		ack.Reason = checkErr.Error()
	}
	body, err = json.Marshal(ack)
	if err != nil {
		return Hello{}, err
	}
	if err := frame.WriteFrame(conn, frame.New(frame.MsgHelloAck, 0, nil, body), cfg.Limits); err != nil {
		return Hello{}, fmt.Errorf("%w: write ack: %v", protocol.ErrHandshake, err)
	}
	if checkErr != nil {
		return Hello{}, checkErr
	}

	f, err = frame.ReadFrame(conn, cfg.Limits)
	if err != nil {
		return Hello{}, fmt.Errorf("%w: read ack: %v", protocol.ErrHandshake, err)
	}
	if f.Header.MessageType != frame.MsgHelloAck {
		return Hello{}, fmt.Errorf("%w: expected hello_ack got %s", protocol.ErrHandshake, frame.MessageTypeName(f.Header.MessageType))
	}
	var peerAck HelloAck
	if err := json.Unmarshal(f.Payload, &peerAck); err != nil {
		return Hello{}, fmt.Errorf("%w: malformed hello_ack: %v", protocol.ErrHandshake, err)
	}
	if !peerAck.Accepted {
		return Hello{}, fmt.Errorf("%w: rejected by peer: %s", protocol.ErrHandshake, peerAck.Reason)
	}
	return peer, nil
}
