package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/swbus/internal/logging"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/frame"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

var (
	ErrKeepaliveTimeout = fmt.Errorf("%w: keepalive timeout", protocol.ErrSessionLost)
	ErrPeerGoodbye      = fmt.Errorf("%w: peer said goodbye", protocol.ErrSessionLost)
	ErrClosed           = fmt.Errorf("%w: closed locally", protocol.ErrSessionLost)
)

const goodbyeTimeout = 250 * time.Millisecond

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Handlers receive session events. All callbacks run on session goroutines:
// OnEnvelope on the reader in arrival order, OnState on whichever goroutine
// made the transition.
type Handlers struct {
	OnEnvelope  func(s *Session, env *protocol.Envelope)
	OnState     func(s *Session, from, to State)
	OnMalformed func(s *Session, err error)
}

// Options configures Dial and Accept.
type Options struct {
	Handshake HandshakeOptions
	Handlers  Handlers
}

// Info is a point-in-time description for diagnostics.
type Info struct {
	ID            string    `json:"id"`
	PeerIdentity  string    `json:"peer_identity"`
	PeerNodeID    string    `json:"peer_node_id"`
	PeerRole      Role      `json:"peer_role"`
	Direction     Direction `json:"direction"`
	State         string    `json:"state"`
	Remote        string    `json:"remote"`
	QueueLen      int       `json:"queue_len"`
	QueueCap      int       `json:"queue_cap"`
	EstablishedAt time.Time `json:"established_at"`
	LastRecv      time.Time `json:"last_recv"`
}

// Session is one handshaken connection to a neighbor node. Envelopes queued
// with Send are written in order by a single writer; inbound envelopes are
// handed to Handlers.OnEnvelope in order by a single reader.
type Session struct {
	id       string
	cfg      Config
	conn     net.Conn
	dir      Direction
	peer     Hello
	handlers Handlers
	log      zerolog.Logger

	sendq chan *protocol.Envelope
	ctrl  chan frame.Frame

	t          tomb.Tomb
	writerDone chan struct{}
	done       chan struct{}

	mu            sync.Mutex
	state         atomic.Int32
	establishedAt time.Time
	lastRecv      atomic.Int64
	pingSeq       atomic.Uint64
}

func newSession(conn net.Conn, cfg Config, dir Direction, handlers Handlers) *Session {
	s := &Session{
		id:         nuid.Next(),
		cfg:        cfg,
		conn:       conn,
		dir:        dir,
		handlers:   handlers,
		sendq:      make(chan *protocol.Envelope, cfg.SendQueueSize),
		ctrl:       make(chan frame.Frame, 8),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.log = logging.Component("session").With().
		Str("session", s.id).Str("dir", string(dir)).Str("remote", conn.RemoteAddr().String()).Logger()
	return s
}

// establish runs the handshake on an already connected transport and starts
// the session loops.
func establish(conn net.Conn, cfg Config, dir Direction, opts Options) (*Session, error) {
	s := newSession(conn, cfg, dir, opts.Handlers)
	peer, err := handshake(conn, cfg, opts.Handshake)
	if err != nil {
		_ = s.transition(StateClosed)
		_ = conn.Close()
		s.log.Warn().Err(err).Msg("session.establish handshake failed")
		return nil, err
	}
	s.peer = peer
	s.log = s.log.With().Str("peer", peer.Identity).Logger()
	s.touch()
	s.mu.Lock()
	s.establishedAt = time.Now()
	s.mu.Unlock()
	if err := s.transition(StateEstablished); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.start()
	s.log.Info().Str("peer_role", string(peer.Role)).Msg("session.establish established")
	return s, nil
}

func (s *Session) start() {
	s.t.Go(func() error {
		s.t.Go(s.readLoop)
		s.t.Go(s.keepaliveLoop)
		return s.writeLoop()
	})
	go func() {
		<-s.t.Dying()
		<-s.writerDone
		_ = s.conn.Close()
		_ = s.t.Wait()
		_ = s.transition(StateClosed)
		s.log.Info().AnErr("reason", s.t.Err()).Msg("session.Session closed")
		close(s.done)
	}()
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Peer() Hello          { return s.peer }
func (s *Session) Direction() Direction { return s.dir }
func (s *Session) State() State         { return State(s.state.Load()) }

// PeerIdentity is the address the peer announced in its hello.
func (s *Session) PeerIdentity() protocol.Address { return s.peer.IdentityAddress() }

// Done is closed once every session goroutine has exited and the
// transport is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed; nil while it is still open. Every
// close reason wraps protocol.ErrSessionLost.
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if err := s.t.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (s *Session) Info() Info {
	s.mu.Lock()
	est := s.establishedAt
	s.mu.Unlock()
	return Info{
		ID:            s.id,
		PeerIdentity:  s.peer.Identity,
		PeerNodeID:    s.peer.NodeID,
		PeerRole:      s.peer.Role,
		Direction:     s.dir,
		State:         s.State().String(),
		Remote:        s.conn.RemoteAddr().String(),
		QueueLen:      len(s.sendq),
		QueueCap:      cap(s.sendq),
		EstablishedAt: est,
		LastRecv:      time.Unix(0, s.lastRecv.Load()),
	}
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.State()
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state.Store(int32(to))
	s.mu.Unlock()

	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("session.Session transition")
	if s.handlers.OnState != nil {
		s.handlers.OnState(s, from, to)
	}
	return nil
}

// Send queues env without blocking. It fails with protocol.ErrQueueFull when
// the queue is at capacity and with protocol.ErrSessionLost once the
// session is closing. The caller must not modify env afterwards.
func (s *Session) Send(env *protocol.Envelope) error {
	if !s.State().Usable() {
		return fmt.Errorf("%w: session %s is %s", protocol.ErrSessionLost, s.id, s.State())
	}
	select {
	case <-s.t.Dying():
		return fmt.Errorf("%w: session %s closing", protocol.ErrSessionLost, s.id)
	default:
	}
	select {
	case s.sendq <- env:
		return nil
	default:
		return fmt.Errorf("%w: session %s cap=%d", protocol.ErrQueueFull, s.id, cap(s.sendq))
	}
}

// SendTimeout queues env, waiting up to d for queue space.
func (s *Session) SendTimeout(env *protocol.Envelope, d time.Duration) error {
	if err := s.Send(env); !errors.Is(err, protocol.ErrQueueFull) || d <= 0 {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case s.sendq <- env:
		return nil
	case <-s.t.Dying():
		return fmt.Errorf("%w: session %s closing", protocol.ErrSessionLost, s.id)
	case <-timer.C:
		return fmt.Errorf("%w: session %s blocked %s", protocol.ErrQueueFull, s.id, d)
	}
}

// Close sends a goodbye, tears the transport down and waits for the session
// goroutines to exit.
func (s *Session) Close() error {
	s.t.Kill(nil)
	<-s.done
	return nil
}

func (s *Session) touch() {
	s.lastRecv.Store(time.Now().UnixNano())
	if s.State() == StateDegraded {
		_ = s.transition(StateEstablished)
	}
}

func (s *Session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

func (s *Session) queueControl(f frame.Frame) {
	select {
	case s.ctrl <- f:
	default:
		// pings are periodic; dropping one under pressure is harmless
	}
}

func (s *Session) readLoop() error {
	r := bufio.NewReader(s.conn)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.SessionDeadAfter))
		f, err := frame.ReadFrame(r, s.cfg.Limits)
		if err != nil {
			select {
			case <-s.t.Dying():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrKeepaliveTimeout
			}
			return fmt.Errorf("%w: read: %v", protocol.ErrSessionLost, err)
		}
		s.touch()

		switch f.Header.MessageType {
		case frame.MsgEnvelope:
			env, err := protocol.DecodeEnvelope(f.Payload)
			if err != nil {
				s.log.Warn().Err(err).Uint64("message_id", f.Header.MessageID).Msg("session.readLoop dropped malformed envelope")
				if s.handlers.OnMalformed != nil {
					s.handlers.OnMalformed(s, err)
				}
				continue
			}
			if s.handlers.OnEnvelope != nil {
				s.handlers.OnEnvelope(s, env)
			}
			s.touch()
		case frame.MsgPing:
			s.queueControl(frame.New(frame.MsgPong, f.Header.MessageID, nil, nil))
		case frame.MsgPong:
		case frame.MsgGoodbye:
			return ErrPeerGoodbye
		default:
			err := fmt.Errorf("%w: unexpected frame %s", protocol.ErrMalformedEnvelope, frame.MessageTypeName(f.Header.MessageType))
			s.log.Warn().Uint32("message_type", f.Header.MessageType).Msg("session.readLoop ignored frame")
			if s.handlers.OnMalformed != nil {
				s.handlers.OnMalformed(s, err)
			}
		}
	}
}

func (s *Session) writeLoop() error {
	defer close(s.writerDone)
	for {
		select {
		case <-s.t.Dying():
			_ = s.conn.SetWriteDeadline(time.Now().Add(goodbyeTimeout))
			_ = frame.WriteFrame(s.conn, frame.New(frame.MsgGoodbye, 0, nil, nil), s.cfg.Limits)
			return nil
		case f := <-s.ctrl:
			if err := s.write(f); err != nil {
				return err
			}
		case env := <-s.sendq:
			payload, err := env.Encode()
			if err != nil {
				s.log.Error().Err(err).Uint64("message_id", env.ID).Msg("session.writeLoop dropped unencodable envelope")
				if s.handlers.OnMalformed != nil {
					s.handlers.OnMalformed(s, err)
				}
				continue
			}
			f := frame.New(frame.MsgEnvelope, env.ID, nil, payload)
			if env.Kind == protocol.KindResponse {
				f.Header.Flags |= frame.FlagIsResponse
			}
			if env.Status != protocol.StatusOK {
				f.Header.Flags |= frame.FlagIsError
			}
			if err := s.write(f); err != nil {
				return err
			}
		}
	}
}

func (s *Session) write(f frame.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := frame.WriteFrame(s.conn, f, s.cfg.Limits); err != nil {
		return fmt.Errorf("%w: write: %v", protocol.ErrSessionLost, err)
	}
	return nil
}

func (s *Session) keepaliveLoop() error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ticker.C:
			idle := s.idle()
			switch {
			case idle >= s.cfg.SessionDeadAfter:
				s.log.Warn().Dur("idle", idle).Msg("session.keepaliveLoop peer dead")
				return ErrKeepaliveTimeout
			case idle >= s.cfg.DegradedAfter:
				if s.State() == StateEstablished {
					s.log.Warn().Dur("idle", idle).Msg("session.keepaliveLoop degraded")
					_ = s.transition(StateDegraded)
				}
			}
			s.queueControl(frame.New(frame.MsgPing, s.pingSeq.Add(1), nil, nil))
		}
	}
}
