package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/zeropr/lanchat/internal/envelope"
	"github.com/zeropr/lanchat/internal/metrics"
	"github.com/zeropr/lanchat/internal/ratelimit"
)

// State is the lifecycle of a Server.
type State int

const (
	Stopped State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "stopped"
}

// ServerOptions tunes a Server. Zero values pick the defaults.
type ServerOptions struct {
	Host             string
	PollInterval     time.Duration
	ReadTimeout      time.Duration
	MaxEnvelopeBytes int
	// MaxConns bounds concurrent handlers. Connections beyond it are closed
	// immediately. Zero means unbounded.
	MaxConns int64
	Limiter  *ratelimit.MapLimiter
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Server accepts inbound connections and reads one envelope from each.
type Server struct {
	opts ServerOptions
	log  zerolog.Logger
	sem  *semaphore.Weighted

	mu       sync.Mutex
	state    State
	listener net.Listener
	quit     chan struct{}
	loopDone chan struct{}
}

// NewServer creates a stopped server.
func NewServer(opts ServerOptions) *Server {
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MaxEnvelopeBytes <= 0 {
		opts.MaxEnvelopeBytes = envelope.MaxSize
	}

	s := &Server{
		opts: opts,
		log:  opts.Logger.With().Str("component", "server").Logger(),
	}
	if opts.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConns)
	}
	return s
}

// Start binds host:port and begins accepting connections on a background
// goroutine. Bind failures are reported through onStatus and returned; the
// server then stays stopped.
func (s *Server) Start(port int, onEnvelope EnvelopeFunc, onStatus StatusFunc) error {
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	if onEnvelope == nil {
		onEnvelope = func(Inbound) {}
	}

	ln, quit, done, err := s.bind(port)
	if err != nil {
		event := EventBindFailed
		if errors.Is(err, ErrAddressInUse) {
			event = EventAddressInUse
		}
		if !errors.Is(err, ErrAlreadyRunning) {
			s.log.Error().Err(err).Msg("Failed to start listener")
			onStatus(NewStatus(event, "", err))
		}
		return err
	}

	go s.acceptLoop(ln, quit, done, onEnvelope, onStatus)

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Listening for envelopes")
	onStatus(NewStatus(EventListening, ln.Addr().String(), nil))
	return nil
}

func (s *Server) bind(port int) (net.Listener, chan struct{}, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Listening {
		return nil, nil, nil, ErrAlreadyRunning
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp4", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
		}
		return nil, nil, nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}

	s.listener = ln
	s.quit = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.state = Listening
	return ln, s.quit, s.loopDone, nil
}

// Stop closes the listener and waits for the accept loop to exit. Running
// handlers are left to finish on their own. Stopping a stopped server is a
// no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state != Listening {
		s.mu.Unlock()
		return
	}
	close(s.quit)
	_ = s.listener.Close()
	done := s.loopDone
	s.state = Stopped
	s.mu.Unlock()

	<-done
	s.log.Info().Msg("Listener stopped")
}

// State reports whether the server is listening.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Listening {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener, quit, done chan struct{}, onEnvelope EnvelopeFunc, onStatus StatusFunc) {
	defer close(done)
	defer onStatus(NewStatus(EventStopped, "", nil))

	type deadliner interface{ SetDeadline(time.Time) error }

	for {
		if dl, ok := ln.(deadliner); ok {
			_ = dl.SetDeadline(time.Now().Add(s.opts.PollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sweepLimiter()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s.admit(conn, onEnvelope, onStatus)
	}
}

// admit hands conn to a handler goroutine unless the origin is throttled or
// every handler slot is taken. Rejections are reported off the accept loop so
// a status callback may call Stop.
func (s *Server) admit(conn net.Conn, onEnvelope EnvelopeFunc, onStatus StatusFunc) {
	origin := remoteIP(conn)

	allowed := s.opts.Limiter.Allow(origin, time.Now())
	s.opts.Metrics.TrackedOrigins(s.opts.Limiter.Len())
	if !allowed {
		_ = conn.Close()
		s.opts.Metrics.ConnRejected(metrics.ReasonRateLimited)
		s.log.Debug().Str("origin", origin).Msg("Connection rate limited")
		go onStatus(NewStatus(EventRateLimited, origin, nil))
		return
	}

	if s.sem != nil && !s.sem.TryAcquire(1) {
		_ = conn.Close()
		s.opts.Metrics.ConnRejected(metrics.ReasonBusy)
		s.log.Warn().Str("origin", origin).Int64("max_conns", s.opts.MaxConns).Msg("Too many connections, rejecting")
		go onStatus(NewStatus(EventBusy, origin, nil))
		return
	}

	s.opts.Metrics.ConnAccepted()
	go s.handle(conn, origin, onEnvelope, onStatus)
}

// sweepLimiter drops idle rate limit buckets while no connections arrive.
func (s *Server) sweepLimiter() {
	if s.opts.Limiter == nil {
		return
	}
	s.opts.Limiter.Evict(time.Now())
	s.opts.Metrics.TrackedOrigins(s.opts.Limiter.Len())
}

func (s *Server) handle(conn net.Conn, origin string, onEnvelope EnvelopeFunc, onStatus StatusFunc) {
	s.opts.Metrics.HandlerStarted()
	defer func() {
		_ = conn.Close()
		if s.sem != nil {
			s.sem.Release(1)
		}
		s.opts.Metrics.HandlerDone()
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("origin", origin).Msg("Envelope handler panicked")
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

	env, err := envelope.Read(conn, s.opts.MaxEnvelopeBytes)
	if err != nil {
		if errors.Is(err, envelope.ErrProtocol) {
			s.opts.Metrics.ProtocolError()
			s.log.Warn().Err(err).Str("origin", origin).Msg("Malformed envelope")
			onStatus(NewStatus(EventProtocolError, origin, err))
			return
		}
		s.log.Warn().Err(err).Str("origin", origin).Msg("Failed to read envelope")
		onStatus(NewStatus(EventReadFailed, origin, err))
		return
	}

	s.opts.Metrics.EnvelopeReceived(string(env.Type))
	s.log.Debug().Str("origin", origin).Str("type", string(env.Type)).Msg("Envelope received")
	onEnvelope(Inbound{Origin: origin, Envelope: env})
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
