package main

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	mathRand "math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gexshake/pkg/group"
	"gexshake/pkg/hostkey"
	"gexshake/pkg/kex"
)

// ------------------------ Protocol Identification ------------------------

// protocolVersion prefixes every announced version string.
const protocolVersion = "GEXSHAKE-1.0"

// buildVersion returns the version string announced for a local identity.
func buildVersion(name string) []byte {
	return []byte(protocolVersion + "-" + name)
}

// peerNameFromVersion extracts the peer identity from an announced version
// string.
func peerNameFromVersion(version []byte) (string, error) {
	s := string(version)
	if !strings.HasPrefix(s, protocolVersion+"-") {
		return "", fmt.Errorf("unsupported protocol version %q", s)
	}
	name := s[len(protocolVersion)+1:]
	if name == "" {
		return "", fmt.Errorf("empty peer name in version %q", s)
	}
	return name, nil
}

// ------------------------ Algorithm Negotiation ------------------------

// kexInitPayload encodes an algorithm name list as a negotiation payload.
func kexInitPayload(names []string) []byte {
	return []byte(strings.Join(names, ","))
}

// parseKexInit decodes a negotiation payload back into a name list.
func parseKexInit(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	return strings.Split(string(payload), ",")
}

// chooseAlgorithm picks the first entry of the client's list that the server
// supports. Both peers run this over the same two lists, so both arrive at
// the same choice.
func chooseAlgorithm(clientList, serverList []string) (string, error) {
	supported := make(map[string]bool, len(serverList))
	for _, name := range serverList {
		supported[name] = true
	}
	for _, name := range clientList {
		if supported[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("no common key exchange algorithm (client %v, server %v)", clientList, serverList)
}

// parameterSource maps a configuration name to a DH parameter source.
func parameterSource(name string) (group.Source, error) {
	switch name {
	case "modp14":
		return group.Modp(14)
	case "test":
		return group.Test(), nil
	case "generated":
		return group.Generated(), nil
	default:
		return nil, fmt.Errorf("unknown parameter source %q (want modp14, test, or generated)", name)
	}
}

// ------------------------ Session Key Storage ------------------------

// deriveSessionKey condenses the handshake outputs into a fixed-size key.
func deriveSessionKey(session *kex.Session) []byte {
	h := sha256.New()
	h.Write(session.SharedSecret)
	h.Write(session.ExchangeHash)
	return h.Sum(nil)
}

// SaveSessionKey saves a derived session key as base64 to a file
func SaveSessionKey(filename string, key []byte) error {
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(filename, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write session key file: %w", err)
	}
	return nil
}

// LoadSessionKey loads a derived session key from a file
func LoadSessionKey(filename string) ([]byte, error) {
	// #nosec G304 - filename comes from config, validated by caller
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read session key file: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode session key: %w", err)
	}

	return key, nil
}

// ------------------------ Transport Conduit ------------------------

// connConduit binds the key exchange to a connection: produced packets are
// framed onto the wire and the stage flush marks handshake completion.
type connConduit struct {
	conn       net.Conn
	negotiated bool
}

func (c *connConduit) Produce(packet []byte) error {
	return sendMessage(c.conn, packet)
}

func (c *connConduit) Flush(stage kex.Stage) error {
	if stage == kex.AlgorithmNegotiated {
		c.negotiated = true
	}
	return nil
}

// ------------------------ Daemon State ------------------------

// DaemonConfig holds daemon configuration
type DaemonConfig struct {
	Name        string // local identity announced in the version string
	ListenAddr  string
	ConnectAddr string
	HostKeyFile string // our host private key
	PeerKeyFile string // peer's pinned host public key
	Source      string // DH parameter source
	Interval    int    // seconds between exchanges
	Output      string // derived session key file path
}

// Daemon represents the running daemon
type Daemon struct {
	config   DaemonConfig
	hostKey  *hostkey.Key
	peerBlob []byte
	registry *kex.Registry
	log      zerolog.Logger

	lastExchange time.Time
	myTurn       bool // true if it's our turn to initiate next
	exchangeMu   sync.Mutex

	listener net.Listener

	// Current derived session key
	sessionKey []byte
	keysMu     sync.RWMutex

	// Connection state
	inExchange bool      // true if currently in an exchange
	resetTimer chan bool // signal to reset the connection timer
}

// NewDaemon creates a new daemon instance
func NewDaemon(config DaemonConfig, log zerolog.Logger) (*Daemon, error) {
	d := &Daemon{
		config:       config,
		log:          log,
		lastExchange: time.Now(),
		resetTimer:   make(chan bool, 10),
		myTurn:       true, // Initially both try, one will win
	}

	// Load our host key
	_, priv, err := LoadSecretKey(config.HostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("host key has wrong size: %d bytes", len(priv))
	}
	d.hostKey, err = hostkey.FromEd25519(ed25519.PrivateKey(priv))
	if err != nil {
		return nil, err
	}

	// Load peer's pinned host public key
	_, peerBlob, err := LoadPublicKey(config.PeerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load peer host key: %w", err)
	}
	d.peerBlob = peerBlob

	// Register both group-exchange variants against the configured source
	src, err := parameterSource(config.Source)
	if err != nil {
		return nil, err
	}
	d.registry = newRegistry(src, log)

	return d, nil
}

// newRegistry builds the algorithm registry for a parameter source, with
// handshake logging routed through the daemon's logger.
func newRegistry(src group.Source, log zerolog.Logger) *kex.Registry {
	reg := kex.NewRegistry()
	sha2 := kex.NewGroupExchange(kex.NameSHA256, crypto.SHA256, src)
	sha2.SetLogger(log)
	reg.AddAlgorithm(sha2)
	sha1 := kex.NewGroupExchange(kex.NameSHA1, crypto.SHA1, src)
	sha1.SetLogger(log)
	reg.AddAlgorithm(sha1)
	return reg
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.log.Info().
		Str("listen", d.config.ListenAddr).
		Str("connect", d.config.ConnectAddr).
		Int("interval", d.config.Interval).
		Str("source", d.config.Source).
		Strs("algorithms", d.registry.Names()).
		Msg("starting daemon")

	// Start listener
	var err error
	d.listener, err = net.Listen("tcp", d.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	d.log.Info().Str("addr", d.config.ListenAddr).Msg("listening")

	// Start accepting connections
	go d.acceptLoop()

	// Start periodic connection attempts
	go d.connectLoop()

	// Start watchdog for timeout
	go d.watchdogLoop()

	// Block forever
	select {}
}

// acceptLoop accepts incoming connections
func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			d.log.Error().Err(err).Msg("accept error")
			continue
		}
		d.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("accepted connection")
		go d.handleResponderRole(conn)
	}
}

// connectLoop periodically connects to peer with role-based timing
func (d *Daemon) connectLoop() {
	// Initial random delay to avoid race conditions
	// #nosec G404 - Non-cryptographic randomness acceptable for timing jitter
	time.Sleep(time.Duration(mathRand.Int63n(2000)) * time.Millisecond)
	d.initiateConnection()

	// Dynamic interval based on whose turn it is
	for {
		d.exchangeMu.Lock()
		isMyTurn := d.myTurn
		d.exchangeMu.Unlock()

		if !isMyTurn {
			// Not our turn, wait for peer to initiate
			d.log.Debug().Msg("waiting for peer to initiate next exchange")
			<-d.resetTimer
			// Loop will check myTurn again
		} else {
			// Our turn to initiate
			waitTime := time.Duration(d.config.Interval) * time.Second

			// Drain any pending reset signals first
			for {
				select {
				case <-d.resetTimer:
					continue
				default:
				}
				break
			}

			d.log.Debug().Int("seconds", d.config.Interval).Msg("scheduling next attempt")

			// Wait with ability to reset timer
			timer := time.NewTimer(waitTime)
			select {
			case <-timer.C:
				// Timer expired normally, try to connect
				d.initiateConnection()
			case <-d.resetTimer:
				// Timer reset - peer initiated before we did
				timer.Stop()
				d.log.Debug().Msg("peer initiated before our timer, canceling our attempt")
			}
		}
	}
}

// watchdogLoop monitors for extended connection failures and sets fallback key
func (d *Daemon) watchdogLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		d.exchangeMu.Lock()
		elapsed := time.Since(d.lastExchange)
		interval := time.Duration(d.config.Interval) * time.Second

		// Set random key if no exchange for interval + 30 seconds
		finalTimeout := interval + 30*time.Second

		if elapsed > finalTimeout {
			d.log.Warn().
				Dur("elapsed", elapsed).
				Dur("timeout", finalTimeout).
				Msg("no key exchange within final timeout, setting random fallback key")
			d.setRandomKey()
			d.lastExchange = time.Now()
		}

		d.exchangeMu.Unlock()
	}
}

// initiateConnection connects to peer as initiator with simple retry
func (d *Daemon) initiateConnection() {
	// Check if already in exchange
	d.exchangeMu.Lock()
	if d.inExchange {
		d.log.Debug().Msg("skipping connection attempt, peer already initiated")
		d.exchangeMu.Unlock()
		return
	}
	d.inExchange = true
	d.exchangeMu.Unlock()

	defer func() {
		d.exchangeMu.Lock()
		d.inExchange = false
		d.exchangeMu.Unlock()
	}()

	attemptNum := 0
	for {
		// Simple backoff: 1 second with up to 100ms jitter
		if attemptNum > 0 {
			// #nosec G404 - Non-cryptographic randomness acceptable for timing jitter
			jitter := time.Duration(mathRand.Int63n(100)) * time.Millisecond
			time.Sleep(time.Second + jitter)
		}

		attemptNum++
		d.log.Info().Str("endpoint", d.config.ConnectAddr).Int("attempt", attemptNum).Msg("initiating connection")

		conn, err := net.DialTimeout("tcp", d.config.ConnectAddr, 10*time.Second)
		if err != nil {
			d.log.Error().Err(err).Msg("failed to connect to peer")
			continue
		}

		err = d.performInitiatorHandshake(conn)
		_ = conn.Close() // Best effort close

		if err != nil {
			d.log.Error().Err(err).Msg("initiator handshake failed")
			continue
		}

		// Success! Update state
		d.exchangeMu.Lock()
		d.lastExchange = time.Now()
		// After completing as initiator, it's the peer's turn (responder goes next)
		d.myTurn = false
		d.exchangeMu.Unlock()

		// NOTE: Do NOT send reset signal from initiator role
		// Only the responder sends reset signals to prevent duplicate scheduling

		d.log.Info().Msg("key exchange complete as initiator (peer's turn next)")
		return
	}
}

// performInitiatorHandshake runs the four-message exchange as initiator
func (d *Daemon) performInitiatorHandshake(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second)) // Best effort

	session, algo, conduit, err := d.prepareInitiator(conn)
	if err != nil {
		return err
	}

	if err := algo.Init(conduit); err != nil {
		return fmt.Errorf("failed to start exchange: %w", err)
	}

	// Drive inbound messages until the stage advances.
	for !conduit.negotiated {
		payload, err := receiveMessage(conn)
		if err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
		if err := algo.Input(conduit, payload); err != nil {
			return fmt.Errorf("handshake failed: %w", err)
		}
	}

	d.updateKey(deriveSessionKey(session), false)
	return nil
}

// prepareInitiator exchanges version strings and negotiation payloads and
// selects the algorithm for an outbound connection.
func (d *Daemon) prepareInitiator(conn net.Conn) (*kex.Session, kex.Algorithm, *connConduit, error) {
	localVersion := buildVersion(d.config.Name)
	if err := sendMessage(conn, localVersion); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to send version: %w", err)
	}
	peerVersion, err := receiveMessage(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to receive version: %w", err)
	}
	if _, err := peerNameFromVersion(peerVersion); err != nil {
		return nil, nil, nil, err
	}

	clientKexInit := kexInitPayload(d.registry.Names())
	if err := sendMessage(conn, clientKexInit); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to send negotiation payload: %w", err)
	}
	serverKexInit, err := receiveMessage(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to receive negotiation payload: %w", err)
	}

	choice, err := chooseAlgorithm(parseKexInit(clientKexInit), parseKexInit(serverKexInit))
	if err != nil {
		return nil, nil, nil, err
	}

	pinned, err := hostkey.NewPinnedVerifier(d.peerBlob)
	if err != nil {
		return nil, nil, nil, err
	}

	session := &kex.Session{
		Role:          kex.Initiator,
		ClientVersion: localVersion,
		ServerVersion: peerVersion,
		ClientKexInit: clientKexInit,
		ServerKexInit: serverKexInit,
		HostKey:       pinned,
	}

	algo, err := d.registry.Select(choice, session)
	if err != nil {
		return nil, nil, nil, err
	}

	d.log.Debug().Str("algorithm", choice).Msg("negotiated key exchange algorithm")
	return session, algo, &connConduit{conn: conn}, nil
}

// handleResponderRole handles incoming connection as responder
func (d *Daemon) handleResponderRole(conn net.Conn) {
	defer func() { _ = conn.Close() }() // Best effort close

	// Try to acquire exchange lock
	d.exchangeMu.Lock()
	if d.inExchange {
		// Race condition: both are trying to initiate
		// Tiebreaker: compare host key blobs lexicographically
		// Lower key wins and continues as initiator, higher key backs off and becomes responder
		shouldBackoff := strings.Compare(string(d.hostKey.EncodePublicKey()), string(d.peerBlob)) > 0

		if !shouldBackoff {
			// We have lower key, continue as initiator - reject this incoming connection
			d.exchangeMu.Unlock()
			d.log.Debug().Msg("simultaneous connection attempt, continuing as initiator (lower host key)")
			return
		}

		// We have higher key, back off - accept this connection as responder
		d.log.Debug().Msg("simultaneous connection attempt, backing off to become responder (higher host key)")
		// inExchange stays true, we'll handle this connection
	} else {
		d.inExchange = true
	}
	d.exchangeMu.Unlock()

	defer func() {
		d.exchangeMu.Lock()
		d.inExchange = false
		d.exchangeMu.Unlock()
	}()

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second)) // Best effort deadline

	if err := d.performResponderHandshake(conn); err != nil {
		d.log.Error().Err(err).Msg("responder handshake failed")
		return
	}

	d.exchangeMu.Lock()
	d.lastExchange = time.Now()
	// After completing as responder, it's our turn to initiate next
	d.myTurn = true
	d.exchangeMu.Unlock()

	// Signal timer reset (non-blocking)
	select {
	case d.resetTimer <- true:
	default:
	}

	d.log.Info().Int("interval", d.config.Interval).Msg("key exchange complete as responder (our turn next)")
}

// performResponderHandshake runs the four-message exchange as responder
func (d *Daemon) performResponderHandshake(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second)) // Best effort deadline

	session, algo, conduit, err := d.prepareResponder(conn)
	if err != nil {
		return err
	}

	// The initiator drives; consume messages until the stage advances.
	for !conduit.negotiated {
		payload, err := receiveMessage(conn)
		if err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
		if err := algo.Input(conduit, payload); err != nil {
			return fmt.Errorf("handshake failed: %w", err)
		}
	}

	d.updateKey(deriveSessionKey(session), false)
	return nil
}

// prepareResponder mirrors prepareInitiator for an inbound connection.
func (d *Daemon) prepareResponder(conn net.Conn) (*kex.Session, kex.Algorithm, *connConduit, error) {
	peerVersion, err := receiveMessage(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to receive version: %w", err)
	}
	if _, err := peerNameFromVersion(peerVersion); err != nil {
		return nil, nil, nil, err
	}
	localVersion := buildVersion(d.config.Name)
	if err := sendMessage(conn, localVersion); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to send version: %w", err)
	}

	clientKexInit, err := receiveMessage(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to receive negotiation payload: %w", err)
	}
	serverKexInit := kexInitPayload(d.registry.Names())
	if err := sendMessage(conn, serverKexInit); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to send negotiation payload: %w", err)
	}

	choice, err := chooseAlgorithm(parseKexInit(clientKexInit), parseKexInit(serverKexInit))
	if err != nil {
		return nil, nil, nil, err
	}

	session := &kex.Session{
		Role:          kex.Responder,
		ClientVersion: peerVersion,
		ServerVersion: localVersion,
		ClientKexInit: clientKexInit,
		ServerKexInit: serverKexInit,
		HostKey:       d.hostKey,
	}

	algo, err := d.registry.Select(choice, session)
	if err != nil {
		return nil, nil, nil, err
	}

	d.log.Debug().Str("algorithm", choice).Msg("negotiated key exchange algorithm")
	return session, algo, &connConduit{conn: conn}, nil
}

// updateKey updates the daemon's session key and saves to disk
func (d *Daemon) updateKey(key []byte, isRandom bool) {
	d.keysMu.Lock()
	d.sessionKey = key
	d.keysMu.Unlock()

	// Save to disk at specified output path
	if err := SaveSessionKey(d.config.Output, key); err != nil {
		d.log.Error().Err(err).Msg("failed to save session key")
	} else if isRandom {
		d.log.Info().Str("file", d.config.Output).Msg("saved random fallback key")
	} else {
		d.log.Info().Str("file", d.config.Output).Msg("saved derived session key")
	}
}

// setRandomKey sets a random fallback key
func (d *Daemon) setRandomKey() {
	randomKey := make([]byte, 32)
	if _, err := rand.Read(randomKey); err != nil {
		panic(err)
	}
	d.updateKey(randomKey, true)
}

// ------------------------ Wire Framing ------------------------

// maxFrameSize bounds a single length-prefixed frame.
const maxFrameSize = 10 * 1024 * 1024

// sendMessage sends a length-prefixed message
func sendMessage(conn net.Conn, data []byte) error {
	// Send length (4 bytes big-endian)
	dataLen := len(data)
	if dataLen > maxFrameSize {
		return fmt.Errorf("message too large: %d bytes", dataLen)
	}
	length := uint32(dataLen) // #nosec G115 - validated above
	lengthBuf := []byte{
		byte(length >> 24),
		byte(length >> 16),
		byte(length >> 8),
		byte(length),
	}

	if _, err := conn.Write(lengthBuf); err != nil {
		return err
	}

	// Send data
	if _, err := conn.Write(data); err != nil {
		return err
	}

	return nil
}

// receiveMessage receives a length-prefixed message
func receiveMessage(conn net.Conn) ([]byte, error) {
	// Read length (4 bytes)
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lengthBuf); err != nil {
		return nil, err
	}

	length := uint32(lengthBuf[0])<<24 | uint32(lengthBuf[1])<<16 | uint32(lengthBuf[2])<<8 | uint32(lengthBuf[3])

	// Sanity check
	if length > maxFrameSize {
		return nil, fmt.Errorf("message too large: %d bytes", length)
	}

	// Read data
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}

	return data, nil
}
