package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"github.com/zeropr/lanchat/internal/netif"
	"github.com/zeropr/lanchat/internal/peers"
)

const (
	serviceType = "_lanchat._tcp"
	domain      = "local."
	version     = "1"

	browseWindow  = 5 * time.Second
	browsePause   = 5 * time.Second
	staleAfter    = 5 * time.Minute
	entriesBuffer = 100
)

// Service announces this instance's message port over mDNS and feeds
// announced peers into the registry
type Service struct {
	deviceName string
	port       int
	registry   *peers.Registry
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	server       *zeroconf.Server
	user         string
	fingerprint  string
	browsing     bool
	localIPv4    map[string]struct{}
	localAddress func() map[string]struct{}
}

// NewService creates a new discovery service
func NewService(deviceName string, port int, registry *peers.Registry, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		deviceName:   deviceName,
		port:         port,
		registry:     registry,
		log:          logger.With().Str("component", "discovery").Logger(),
		ctx:          ctx,
		cancel:       cancel,
		localIPv4:    make(map[string]struct{}),
		localAddress: netif.LocalIPv4Set,
	}
}

// SetIdentity updates the user advertised in the TXT record. It applies to
// a running broadcast immediately.
func (s *Service) SetIdentity(user, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = user
	s.fingerprint = fingerprint
	if s.server != nil {
		s.server.SetText(s.txtLocked())
	}
}

func (s *Service) txtLocked() []string {
	txt := []string{"version=" + version}
	if s.user != "" {
		txt = append(txt, "user="+s.user)
	}
	if s.fingerprint != "" {
		txt = append(txt, "fp="+s.fingerprint)
	}
	return txt
}

// StartBroadcast starts announcing this device and browsing for others
func (s *Service) StartBroadcast() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("already broadcasting")
	}

	server, err := zeroconf.Register(s.deviceName, serviceType, domain, s.port, s.txtLocked(), nil)
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	s.server = server
	s.localIPv4 = s.localAddress()

	s.log.Info().Str("name", s.deviceName).Int("port", s.port).Msg("Broadcasting")

	if !s.browsing {
		s.browsing = true
		go s.browseLoop()
	}
	return nil
}

// StopBroadcast stops announcing. Browsing continues until Stop.
func (s *Service) StopBroadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
		s.log.Info().Msg("Broadcast stopped")
	}
}

// Stop stops the discovery service
func (s *Service) Stop() {
	s.StopBroadcast()
	s.cancel()
}

// IsBroadcasting returns whether we're currently broadcasting
func (s *Service) IsBroadcasting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server != nil
}

func (s *Service) browseLoop() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to create resolver")
		s.mu.Lock()
		s.browsing = false
		s.mu.Unlock()
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			s.log.Debug().Msg("Discovery loop stopped")
			return
		default:
		}

		s.browseOnce(resolver)

		removed := s.registry.Cleanup(staleAfter)
		s.log.Debug().Int("peers", s.registry.Count()).Int("removed", removed).Msg("Browse cycle complete")

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(browsePause):
		}
	}
}

func (s *Service) browseOnce(resolver *zeroconf.Resolver) {
	local := s.localAddress()
	s.mu.Lock()
	s.localIPv4 = local
	s.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, entriesBuffer)
	ctx, cancel := context.WithTimeout(s.ctx, browseWindow)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			s.handleEntry(entry)
		}
	}()

	err := resolver.Browse(ctx, serviceType, domain, entries)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn().Err(err).Msg("Browse failed")
	}

	<-ctx.Done()
	<-done
}

func (s *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	if s.isSelf(entry) {
		return
	}
	if peer := s.buildPeer(entry); peer != nil {
		s.registry.Add(peer)
		s.log.Debug().Str("name", peer.Name).Str("user", peer.User).Str("address", peer.Address).Msg("Discovered peer")
	}
}

// isSelf returns true if the given service entry refers to this instance.
func (s *Service) isSelf(entry *zeroconf.ServiceEntry) bool {
	if entry == nil {
		return false
	}
	if entry.Port != s.port || entry.Instance != s.deviceName {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, addr := range entry.AddrIPv4 {
		if _, ok := s.localIPv4[addr.String()]; ok {
			return true
		}
	}
	return false
}

// buildPeer constructs a peers.Peer from a zeroconf entry. Only IPv4
// entries are kept since the message listener is IPv4.
func (s *Service) buildPeer(entry *zeroconf.ServiceEntry) *peers.Peer {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return nil
	}

	address := entry.AddrIPv4[0].String()
	txt := parseTXT(entry.Text)

	return &peers.Peer{
		ID:       address,
		Name:     entry.Instance,
		User:     txt["user"],
		Address:  address,
		Port:     entry.Port,
		Source:   peers.SourceMDNS,
		LastSeen: time.Now(),
	}
}

// parseTXT converts zeroconf TXT records into a key/value map.
func parseTXT(records []string) map[string]string {
	values := make(map[string]string, len(records))
	for _, record := range records {
		if record == "" {
			continue
		}

		if eq := strings.IndexByte(record, '='); eq >= 0 {
			key := strings.TrimSpace(record[:eq])
			value := strings.TrimSpace(record[eq+1:])
			if key != "" {
				values[key] = value
			}
			continue
		}

		values[strings.TrimSpace(record)] = ""
	}
	return values
}
