package kex

import (
	"crypto"
	"crypto/rand"
	_ "crypto/sha1"   // registered for diffie-hellman-group-exchange-sha1
	_ "crypto/sha256" // registered for diffie-hellman-group-exchange-sha256
	"errors"
	"fmt"
	"math/big"

	"github.com/monnand/dhkx"
	"github.com/rs/zerolog"

	"gexshake/pkg/group"
	"gexshake/pkg/wire"
)

// Group-exchange message tags.
const (
	msgGexGroup   byte = 31
	msgGexInit    byte = 32
	msgGexReply   byte = 33
	msgGexRequest byte = 34
)

// Negotiation names of the two registered instances.
const (
	NameSHA256 = "diffie-hellman-group-exchange-sha256"
	NameSHA1   = "diffie-hellman-group-exchange-sha1"
)

// Negotiator is the algorithm-negotiation registry contract consumed by
// AddAlgorithms.
type Negotiator interface {
	AddAlgorithm(a Algorithm)
}

// AddAlgorithms constructs the two group-exchange instances, one per
// transcript-hash primitive, and registers both with reg. src decides where
// the responder's DH parameters come from.
func AddAlgorithms(reg Negotiator, src group.Source) {
	reg.AddAlgorithm(NewGroupExchange(NameSHA256, crypto.SHA256, src))
	reg.AddAlgorithm(NewGroupExchange(NameSHA1, crypto.SHA1, src))
}

// GroupExchange is the Diffie-Hellman group-exchange state machine. A
// registered instance acts as a template; Clone produces the per-handshake
// instance that owns the transcript, the DH keypair, and the shared secret.
type GroupExchange struct {
	name   string
	hash   crypto.Hash
	source group.Source
	log    zerolog.Logger

	session *Session

	// Per-handshake state, never reused across handshakes.
	transcript []byte
	params     *group.Params
	dh         *dhkx.DHGroup
	key        *dhkx.DHKey
	pub        *big.Int
	secret     *big.Int
}

// NewGroupExchange returns a template instance under the given negotiation
// name, hashing the exchange transcript with hash and drawing responder
// parameters from src.
func NewGroupExchange(name string, hash crypto.Hash, src group.Source) *GroupExchange {
	return &GroupExchange{
		name:   name,
		hash:   hash,
		source: src,
		log:    zerolog.Nop(),
	}
}

// SetLogger attaches a logger; clones derive theirs from it. The default is
// a no-op logger.
func (gex *GroupExchange) SetLogger(log zerolog.Logger) {
	gex.log = log
}

// Name returns the negotiation name.
func (gex *GroupExchange) Name() string {
	return gex.name
}

// Clone returns a fresh per-handshake instance bound to session.
func (gex *GroupExchange) Clone(session *Session) Algorithm {
	return &GroupExchange{
		name:    gex.name,
		hash:    gex.hash,
		source:  gex.source,
		session: session,
		log: gex.log.With().
			Str("kex", gex.name).
			Stringer("role", session.Role).
			Logger(),
	}
}

// Init builds and sends the group-size Request and seeds the transcript with
// its body. Valid only for the initiator.
func (gex *GroupExchange) Init(sender Conduit) error {
	if gex.session.Role != Initiator {
		return fmt.Errorf("%w: init on %s side", ErrProtocolViolation, gex.session.Role)
	}

	var request []byte
	request = wire.AppendUint32(request, group.MinBits)
	request = wire.AppendUint32(request, group.PreferredBits)
	request = wire.AppendUint32(request, group.MaxBits)

	gex.transcript = append([]byte(nil), request...)

	gex.log.Debug().
		Uint32("min", group.MinBits).
		Uint32("n", group.PreferredBits).
		Uint32("max", group.MaxBits).
		Msg("sending group exchange request")
	return sender.Produce(append([]byte{msgGexRequest}, request...))
}

// Input dispatches one inbound message by its leading tag byte. Any error is
// terminal for the handshake attempt.
func (gex *GroupExchange) Input(sender Conduit, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty packet", ErrProtocolViolation)
	}
	tag, body := payload[0], payload[1:]

	switch tag {
	case msgGexRequest:
		return gex.handleRequest(sender, body)
	case msgGexGroup:
		return gex.handleGroup(sender, body)
	case msgGexInit:
		return gex.handleInitialize(sender, body)
	case msgGexReply:
		return gex.handleReply(sender, body)
	default:
		return fmt.Errorf("%w: tag %d", ErrUnexpectedMessage, tag)
	}
}

// handleRequest processes the initiator's (min, n, max) request on the
// responder side, selects a group, and sends it back.
func (gex *GroupExchange) handleRequest(sender Conduit, body []byte) error {
	if gex.session.Role != Responder {
		gex.log.Error().Msg("received group exchange request as initiator")
		return fmt.Errorf("%w: request received by %s", ErrProtocolViolation, gex.session.Role)
	}
	if gex.dh != nil {
		return fmt.Errorf("%w: duplicate request", ErrProtocolViolation)
	}

	gex.transcript = append(gex.transcript, body...)

	min, rest, err := wire.ParseUint32(body)
	if err != nil {
		return fmt.Errorf("%w: request: %v", ErrProtocolViolation, err)
	}
	n, rest, err := wire.ParseUint32(rest)
	if err != nil {
		return fmt.Errorf("%w: request: %v", ErrProtocolViolation, err)
	}
	max, rest, err := wire.ParseUint32(rest)
	if err != nil {
		return fmt.Errorf("%w: request: %v", ErrProtocolViolation, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after request", ErrProtocolViolation, len(rest))
	}

	min, n, max, err = group.Clamp(min, n, max)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRangeInvalid, err)
	}

	params, err := gex.source.Params(min, n, max)
	if err != nil {
		if errors.Is(err, group.ErrSizeUnavailable) {
			return fmt.Errorf("%w: %v", ErrRangeInvalid, err)
		}
		return fmt.Errorf("%w: selecting group: %v", ErrCryptoFailure, err)
	}
	gex.params = params
	gex.dh = dhkx.CreateGroup(params.P, params.G)

	var groupBody []byte
	groupBody = wire.AppendInt(groupBody, params.P)
	groupBody = wire.AppendInt(groupBody, params.G)
	gex.transcript = append(gex.transcript, groupBody...)

	gex.log.Debug().
		Str("source", gex.source.Name()).
		Int("bits", params.BitLen()).
		Msg("sending group parameters")
	return sender.Produce(append([]byte{msgGexGroup}, groupBody...))
}

// handleGroup processes the responder's (p, g) parameters on the initiator
// side, generates the local keypair, and sends the public value.
func (gex *GroupExchange) handleGroup(sender Conduit, body []byte) error {
	if gex.session.Role != Initiator {
		gex.log.Error().Msg("received group parameters as responder")
		return fmt.Errorf("%w: group received by %s", ErrProtocolViolation, gex.session.Role)
	}
	if gex.dh != nil {
		return fmt.Errorf("%w: duplicate group parameters", ErrProtocolViolation)
	}

	gex.transcript = append(gex.transcript, body...)

	p, rest, err := wire.ParseInt(body)
	if err != nil {
		return fmt.Errorf("%w: group: %v", ErrProtocolViolation, err)
	}
	g, rest, err := wire.ParseInt(rest)
	if err != nil {
		return fmt.Errorf("%w: group: %v", ErrProtocolViolation, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after group", ErrProtocolViolation, len(rest))
	}

	// The responder must not hand back a group outside the bounds we asked
	// for in the request.
	if bits := uint32(p.BitLen()); bits < group.MinBits || bits > group.MaxBits {
		return fmt.Errorf("%w: group is %d bits, want [%d, %d]",
			ErrProtocolViolation, bits, group.MinBits, group.MaxBits)
	}

	gex.params = &group.Params{P: p, G: g}
	gex.dh = dhkx.CreateGroup(p, g)

	key, err := gex.dh.GeneratePrivateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: generating keypair: %v", ErrCryptoFailure, err)
	}
	gex.key = key
	gex.pub = new(big.Int).SetBytes(key.Bytes())

	initBody := wire.AppendInt(nil, gex.pub)
	gex.transcript = append(gex.transcript, initBody...)

	gex.log.Debug().Int("bits", p.BitLen()).Msg("sending public value")
	return sender.Produce(append([]byte{msgGexInit}, initBody...))
}

// handleInitialize processes the initiator's public value on the responder
// side, derives the shared secret and exchange hash, signs it, and replies.
func (gex *GroupExchange) handleInitialize(sender Conduit, body []byte) error {
	if gex.session.Role != Responder {
		gex.log.Error().Msg("received group exchange initialization as initiator")
		return fmt.Errorf("%w: initialize received by %s", ErrProtocolViolation, gex.session.Role)
	}
	if gex.dh == nil {
		return fmt.Errorf("%w: initialize before request", ErrProtocolViolation)
	}

	gex.transcript = append(gex.transcript, body...)

	e, rest, err := wire.ParseInt(body)
	if err != nil {
		return fmt.Errorf("%w: initialize: %v", ErrProtocolViolation, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after initialize", ErrProtocolViolation, len(rest))
	}

	if gex.key == nil {
		key, err := gex.dh.GeneratePrivateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("%w: generating keypair: %v", ErrCryptoFailure, err)
		}
		gex.key = key
		gex.pub = new(big.Int).SetBytes(key.Bytes())
	}

	// The local public value joins the transcript before the hash is built.
	gex.transcript = wire.AppendInt(gex.transcript, gex.pub)

	if err := gex.finish(e); err != nil {
		gex.log.Error().Err(err).Msg("responder key exchange finish failed")
		return err
	}

	signature, err := gex.session.HostKey.Sign(gex.session.ExchangeHash)
	if err != nil {
		return fmt.Errorf("%w: signing exchange hash: %v", ErrCryptoFailure, err)
	}

	var reply []byte
	reply = wire.AppendString(reply, gex.session.HostKey.EncodePublicKey())
	reply = wire.AppendInt(reply, gex.pub)
	reply = wire.AppendString(reply, signature)

	gex.log.Debug().Msg("sending reply")
	if err := sender.Produce(append([]byte{msgGexReply}, reply...)); err != nil {
		return err
	}
	return sender.Flush(AlgorithmNegotiated)
}

// handleReply processes the responder's host key, public value, and
// signature on the initiator side, derives the shared secret and exchange
// hash, and verifies the signature.
func (gex *GroupExchange) handleReply(sender Conduit, body []byte) error {
	if gex.session.Role != Initiator {
		gex.log.Error().Msg("received group exchange reply as responder")
		return fmt.Errorf("%w: reply received by %s", ErrProtocolViolation, gex.session.Role)
	}
	if gex.key == nil {
		return fmt.Errorf("%w: reply before group parameters", ErrProtocolViolation)
	}

	hostKeyBlob, rest, err := wire.ParseString(body)
	if err != nil {
		return fmt.Errorf("%w: reply: %v", ErrProtocolViolation, err)
	}
	f, rest, err := wire.ParseInt(rest)
	if err != nil {
		return fmt.Errorf("%w: reply: %v", ErrProtocolViolation, err)
	}
	signature, rest, err := wire.ParseString(rest)
	if err != nil {
		return fmt.Errorf("%w: reply: %v", ErrProtocolViolation, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after reply", ErrProtocolViolation, len(rest))
	}

	if err := gex.session.HostKey.DecodePublicKey(hostKeyBlob); err != nil {
		gex.log.Error().Err(err).Msg("could not decode responder host key")
		return fmt.Errorf("%w: host key blob: %v", ErrProtocolViolation, err)
	}

	// The peer's public value joins the transcript before the hash is built.
	gex.transcript = wire.AppendInt(gex.transcript, f)

	if err := gex.finish(f); err != nil {
		gex.log.Error().Err(err).Msg("initiator key exchange finish failed")
		return err
	}

	if err := gex.session.HostKey.Verify(signature, gex.session.ExchangeHash); err != nil {
		gex.log.Error().Err(err).Msg("failed to verify exchange hash")
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	gex.log.Debug().Msg("reply verified")
	return sender.Flush(AlgorithmNegotiated)
}

// finish computes the shared secret from the peer's public value, builds the
// exchange hash over both identities and the transcript, and commits the
// session outputs. The shared secret is computed exactly once per handshake.
func (gex *GroupExchange) finish(peerPub *big.Int) error {
	if gex.secret != nil {
		return fmt.Errorf("%w: shared secret already computed", ErrProtocolViolation)
	}

	shared, err := gex.dh.ComputeKey(dhkx.NewPublicKey(peerPub.Bytes()), gex.key)
	if err != nil {
		return fmt.Errorf("%w: computing shared secret: %v", ErrCryptoFailure, err)
	}
	k := new(big.Int).SetBytes(shared.Bytes())
	gex.secret = k

	session := gex.session
	var data []byte
	data = wire.AppendString(data, session.ClientVersion)
	data = wire.AppendString(data, session.ServerVersion)
	data = wire.AppendString(data, session.ClientKexInit)
	data = wire.AppendString(data, session.ServerKexInit)
	data = wire.AppendString(data, session.HostKey.EncodePublicKey())
	data = append(data, gex.transcript...)
	data = wire.AppendInt(data, k)

	if !gex.hash.Available() {
		return fmt.Errorf("%w: hash %v not linked in", ErrCryptoFailure, gex.hash)
	}
	h := gex.hash.New()
	h.Write(data)
	digest := h.Sum(nil)

	session.ExchangeHash = digest
	session.SharedSecret = wire.AppendInt(nil, k)
	if len(session.SessionID) == 0 {
		session.SessionID = append([]byte(nil), digest...)
	}
	return nil
}
