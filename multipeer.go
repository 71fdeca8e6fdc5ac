package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	mathRand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gexshake/pkg/hostkey"
	"gexshake/pkg/kex"
)

// PeerHandler manages a single peer's connection and key exchanges
type PeerHandler struct {
	name     string
	config   PeerConfig
	peerBlob []byte // pinned host key blob
	interval int
	log      zerolog.Logger

	lastExchange time.Time
	myTurn       bool
	exchangeMu   sync.Mutex

	sessionKey []byte
	keysMu     sync.RWMutex
}

// MultiPeerDaemon manages connections to multiple peers
type MultiPeerDaemon struct {
	config   *Config
	hostKey  *hostkey.Key
	registry *kex.Registry
	log      zerolog.Logger

	// Per-peer handlers, keyed by the identity announced in the version
	// string
	peers map[string]*PeerHandler
	mu    sync.RWMutex

	listener net.Listener
}

// NewMultiPeerDaemon creates a new multi-peer daemon
func NewMultiPeerDaemon(config *Config, log zerolog.Logger) (*MultiPeerDaemon, error) {
	mpd := &MultiPeerDaemon{
		config: config,
		log:    log,
		peers:  make(map[string]*PeerHandler),
	}

	// Load our host key
	_, priv, err := LoadSecretKey(config.Daemon.HostKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("host key has wrong size: %d bytes", len(priv))
	}
	mpd.hostKey, err = hostkey.FromEd25519(ed25519.PrivateKey(priv))
	if err != nil {
		return nil, err
	}

	src, err := parameterSource(config.Daemon.Source)
	if err != nil {
		return nil, err
	}
	mpd.registry = newRegistry(src, log)

	// Create handler for each peer
	for _, peerCfg := range config.Peers {
		handler, err := mpd.createPeerHandler(peerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create handler for peer '%s': %w", peerCfg.Name, err)
		}
		mpd.peers[peerCfg.Name] = handler
	}

	return mpd, nil
}

// createPeerHandler creates a PeerHandler instance for a specific peer
func (mpd *MultiPeerDaemon) createPeerHandler(peerCfg PeerConfig) (*PeerHandler, error) {
	// Load peer's pinned host public key
	_, peerBlob, err := LoadPublicKey(peerCfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load peer host key: %w", err)
	}

	interval := peerCfg.Interval
	if interval == 0 {
		interval = mpd.config.Daemon.Interval
	}

	handler := &PeerHandler{
		name:         peerCfg.Name,
		config:       peerCfg,
		peerBlob:     peerBlob,
		interval:     interval,
		log:          mpd.log.With().Str("peer", peerCfg.Name).Logger(),
		lastExchange: time.Now(),
		myTurn:       true, // Initially both might try
	}

	return handler, nil
}

// Start starts the multi-peer daemon
func (mpd *MultiPeerDaemon) Start() error {
	// Start listener if configured
	if mpd.config.Daemon.ListenAddr != "" {
		var err error
		mpd.listener, err = net.Listen("tcp", mpd.config.Daemon.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}
		defer func() {
			if err := mpd.listener.Close(); err != nil {
				mpd.log.Error().Err(err).Msg("error closing listener")
			}
		}()
		mpd.log.Info().Str("addr", mpd.config.Daemon.ListenAddr).Msg("multi-peer daemon listening")

		// Handle incoming connections
		go mpd.handleIncomingConnections()
	} else {
		mpd.log.Info().Msg("multi-peer daemon running in outgoing-only mode (no listener)")
	}

	mpd.log.Info().
		Int("peers", len(mpd.peers)).
		Str("source", mpd.config.Daemon.Source).
		Strs("algorithms", mpd.registry.Names()).
		Msg("managing peers")
	for _, peerCfg := range mpd.config.Peers {
		endpoint := peerCfg.Endpoint
		if endpoint == "" {
			endpoint = "incoming-only"
		}
		mpd.log.Info().Str("peer", peerCfg.Name).Str("endpoint", endpoint).Msg("peer configured")
	}

	// Start watchdog for all peers
	go mpd.watchdogLoop()

	// Start goroutine for each peer with an endpoint (outgoing)
	var wg sync.WaitGroup
	for _, peerCfg := range mpd.config.Peers {
		if peerCfg.Endpoint != "" {
			handler := mpd.peers[peerCfg.Name]
			wg.Add(1)
			go func(h *PeerHandler) {
				defer wg.Done()
				h.log.Info().Msg("starting outgoing connection handler")
				mpd.runOutgoingPeer(h)
			}(handler)
		}
	}

	// If we have a listener, keep the process running
	if mpd.listener != nil {
		// Block indefinitely - the peer handlers will run in background
		select {}
	}

	// If no listener, wait for all peer handlers
	wg.Wait()

	return nil
}

// runOutgoingPeer runs the connection loop for a peer we connect to
func (mpd *MultiPeerDaemon) runOutgoingPeer(ph *PeerHandler) {
	interval := time.Duration(ph.interval) * time.Second

	for {
		// Determine if it's our turn
		ph.exchangeMu.Lock()
		shouldInitiate := ph.myTurn || time.Since(ph.lastExchange) > interval*2
		ph.exchangeMu.Unlock()

		if shouldInitiate {
			if err := mpd.initiateExchange(ph); err != nil {
				ph.log.Error().Err(err).Msg("exchange failed")
			}
		}

		// Wait for next interval
		time.Sleep(interval)
	}
}

// initiateExchange initiates a key exchange with a peer with retry logic
func (mpd *MultiPeerDaemon) initiateExchange(ph *PeerHandler) error {
	attemptNum := 0
	maxAttempts := 5 // Maximum attempts before giving up for this round

	for attemptNum < maxAttempts {
		// Backoff: 1 second with jitter on retries
		if attemptNum > 0 {
			// #nosec G404 - Non-cryptographic randomness acceptable for timing jitter
			jitter := time.Duration(mathRand.Int63n(100)) * time.Millisecond
			time.Sleep(time.Second + jitter)
		}

		attemptNum++
		ph.log.Info().
			Str("endpoint", ph.config.Endpoint).
			Int("attempt", attemptNum).
			Int("max", maxAttempts).
			Msg("initiating connection")

		// Connect to peer with timeout
		conn, err := net.DialTimeout("tcp", ph.config.Endpoint, 10*time.Second)
		if err != nil {
			ph.log.Error().Err(err).Msg("failed to connect")
			continue // Retry
		}

		// Perform the exchange as initiator
		err = mpd.runExchangeAsInitiator(conn, ph)
		_ = conn.Close() // Best effort close

		if err != nil {
			ph.log.Error().Err(err).Msg("exchange failed")
			continue // Retry
		}

		// Success!
		ph.exchangeMu.Lock()
		ph.lastExchange = time.Now()
		ph.myTurn = false // Next time, they should initiate
		ph.exchangeMu.Unlock()

		ph.log.Info().Str("file", ph.config.Output).Msg("exchange complete, saved session key")
		return nil
	}

	return fmt.Errorf("failed after %d attempts", maxAttempts)
}

// handleIncomingConnections accepts and routes incoming connections to the
// appropriate peer handler
func (mpd *MultiPeerDaemon) handleIncomingConnections() {
	for {
		conn, err := mpd.listener.Accept()
		if err != nil {
			mpd.log.Error().Err(err).Msg("error accepting connection")
			continue
		}

		go mpd.routeConnection(conn)
	}
}

// routeConnection identifies which peer is connecting and handles the
// connection
func (mpd *MultiPeerDaemon) routeConnection(conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			mpd.log.Error().Err(err).Msg("error closing connection")
		}
	}()

	mpd.log.Debug().Stringer("remote", conn.RemoteAddr()).Msg("received connection, identifying peer")

	if err := mpd.handleIncomingExchange(conn); err != nil {
		mpd.log.Error().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("incoming exchange failed")
	}
}

// handleIncomingExchange performs the responder side of the exchange. The
// initiator announces its identity in the version string, which selects the
// pinned host key we verify its signature against.
func (mpd *MultiPeerDaemon) handleIncomingExchange(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	// The initiator speaks first; its version string names it.
	peerVersion, err := receiveMessage(conn)
	if err != nil {
		return fmt.Errorf("failed to receive version: %w", err)
	}
	peerName, err := peerNameFromVersion(peerVersion)
	if err != nil {
		return err
	}

	mpd.mu.RLock()
	ph, exists := mpd.peers[peerName]
	mpd.mu.RUnlock()
	if !exists {
		return fmt.Errorf("unknown peer %q", peerName)
	}
	ph.log.Debug().Stringer("remote", conn.RemoteAddr()).Msg("identified peer")

	localVersion := buildVersion(mpd.config.Daemon.Name)
	if err := sendMessage(conn, localVersion); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}

	clientKexInit, err := receiveMessage(conn)
	if err != nil {
		return fmt.Errorf("failed to receive negotiation payload: %w", err)
	}
	serverKexInit := kexInitPayload(mpd.registry.Names())
	if err := sendMessage(conn, serverKexInit); err != nil {
		return fmt.Errorf("failed to send negotiation payload: %w", err)
	}

	choice, err := chooseAlgorithm(parseKexInit(clientKexInit), parseKexInit(serverKexInit))
	if err != nil {
		return err
	}

	session := &kex.Session{
		Role:          kex.Responder,
		ClientVersion: peerVersion,
		ServerVersion: localVersion,
		ClientKexInit: clientKexInit,
		ServerKexInit: serverKexInit,
		HostKey:       mpd.hostKey,
	}

	algo, err := mpd.registry.Select(choice, session)
	if err != nil {
		return err
	}

	conduit := &connConduit{conn: conn}
	for !conduit.negotiated {
		payload, err := receiveMessage(conn)
		if err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
		if err := algo.Input(conduit, payload); err != nil {
			return fmt.Errorf("exchange failed: %w", err)
		}
	}

	if err := mpd.saveSessionKey(ph, deriveSessionKey(session)); err != nil {
		return fmt.Errorf("failed to save session key: %w", err)
	}

	ph.exchangeMu.Lock()
	ph.lastExchange = time.Now()
	ph.myTurn = true // Next time, we should initiate
	ph.exchangeMu.Unlock()

	ph.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("incoming exchange complete")
	return nil
}

// runExchangeAsInitiator performs the exchange as initiator with a specific
// peer
func (mpd *MultiPeerDaemon) runExchangeAsInitiator(conn net.Conn, ph *PeerHandler) error {
	// Set timeout for the exchange
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	localVersion := buildVersion(mpd.config.Daemon.Name)
	if err := sendMessage(conn, localVersion); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}
	peerVersion, err := receiveMessage(conn)
	if err != nil {
		return fmt.Errorf("failed to receive version: %w", err)
	}
	if _, err := peerNameFromVersion(peerVersion); err != nil {
		return err
	}

	clientKexInit := kexInitPayload(mpd.registry.Names())
	if err := sendMessage(conn, clientKexInit); err != nil {
		return fmt.Errorf("failed to send negotiation payload: %w", err)
	}
	serverKexInit, err := receiveMessage(conn)
	if err != nil {
		return fmt.Errorf("failed to receive negotiation payload: %w", err)
	}

	choice, err := chooseAlgorithm(parseKexInit(clientKexInit), parseKexInit(serverKexInit))
	if err != nil {
		return err
	}

	pinned, err := hostkey.NewPinnedVerifier(ph.peerBlob)
	if err != nil {
		return err
	}

	session := &kex.Session{
		Role:          kex.Initiator,
		ClientVersion: localVersion,
		ServerVersion: peerVersion,
		ClientKexInit: clientKexInit,
		ServerKexInit: serverKexInit,
		HostKey:       pinned,
	}

	algo, err := mpd.registry.Select(choice, session)
	if err != nil {
		return err
	}

	conduit := &connConduit{conn: conn}
	if err := algo.Init(conduit); err != nil {
		return fmt.Errorf("failed to start exchange: %w", err)
	}
	for !conduit.negotiated {
		payload, err := receiveMessage(conn)
		if err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
		if err := algo.Input(conduit, payload); err != nil {
			return fmt.Errorf("exchange failed: %w", err)
		}
	}

	if err := mpd.saveSessionKey(ph, deriveSessionKey(session)); err != nil {
		return fmt.Errorf("failed to save session key: %w", err)
	}

	return nil
}

// saveSessionKey saves the derived session key for a peer
func (mpd *MultiPeerDaemon) saveSessionKey(ph *PeerHandler, key []byte) error {
	ph.keysMu.Lock()
	ph.sessionKey = key
	ph.keysMu.Unlock()

	// Save to disk at specified output path
	return SaveSessionKey(ph.config.Output, key)
}

// setRandomKey sets a random fallback key for a peer
func (mpd *MultiPeerDaemon) setRandomKey(ph *PeerHandler) {
	randomKey := make([]byte, 32)
	if _, err := rand.Read(randomKey); err != nil {
		ph.log.Error().Err(err).Msg("failed to generate random key")
		return
	}

	ph.keysMu.Lock()
	ph.sessionKey = randomKey
	ph.keysMu.Unlock()

	// Save to disk
	if err := SaveSessionKey(ph.config.Output, randomKey); err != nil {
		ph.log.Error().Err(err).Msg("failed to save random fallback key")
	} else {
		ph.log.Info().Str("file", ph.config.Output).Msg("saved random fallback key")
	}
}

// watchdogLoop monitors all peers for extended connection failures and sets
// fallback keys
func (mpd *MultiPeerDaemon) watchdogLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		for _, ph := range mpd.peers {
			ph.exchangeMu.Lock()
			elapsed := time.Since(ph.lastExchange)
			interval := time.Duration(ph.interval) * time.Second

			// Set random key if no exchange for interval + 30 seconds
			finalTimeout := interval + 30*time.Second

			if elapsed > finalTimeout {
				ph.log.Warn().
					Dur("elapsed", elapsed).
					Dur("timeout", finalTimeout).
					Msg("no key exchange within final timeout, setting random fallback key")
				ph.exchangeMu.Unlock()
				mpd.setRandomKey(ph)
				ph.exchangeMu.Lock()
				ph.lastExchange = time.Now()
			}
			ph.exchangeMu.Unlock()
		}
	}
}

// Stop stops all peer handlers gracefully
func (mpd *MultiPeerDaemon) Stop() error {
	mpd.mu.Lock()
	defer mpd.mu.Unlock()

	mpd.log.Info().Msg("stopping multi-peer daemon")

	if mpd.listener != nil {
		if err := mpd.listener.Close(); err != nil {
			mpd.log.Error().Err(err).Msg("error closing listener")
		}
	}

	for name := range mpd.peers {
		mpd.log.Info().Str("peer", name).Msg("stopped")
	}

	return nil
}
