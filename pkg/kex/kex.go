// Package kex implements the Diffie-Hellman group-exchange key-exchange
// algorithm: four-message group negotiation, shared-secret derivation, and
// the exchange hash that binds both peers' identities and ephemeral keys.
package kex

// Role identifies which side of the connection a session plays.
type Role int

const (
	// Initiator opens the exchange and sends the group-size request.
	Initiator Role = iota + 1
	// Responder selects the group and signs the exchange hash.
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// Stage markers passed to Conduit.Flush as the handshake advances.
type Stage int

// AlgorithmNegotiated signals that the key exchange has completed and the
// transport may advance past the algorithm-negotiation stage.
const AlgorithmNegotiated Stage = 1

// HostKey is the host-key collaborator: it signs the exchange hash on the
// responder side and verifies it on the initiator side.
type HostKey interface {
	// Algorithm returns the host-key algorithm name.
	Algorithm() string
	// Sign signs data with the private host key.
	Sign(data []byte) ([]byte, error)
	// Verify checks a signature over data against the public host key.
	Verify(sig, data []byte) error
	// EncodePublicKey returns the public key wire blob.
	EncodePublicKey() []byte
	// DecodePublicKey loads a public key from its wire blob.
	DecodePublicKey(blob []byte) error
}

// Conduit is the transport collaborator. Produce hands a complete message
// (tag byte plus body) to the transport for framing and delivery; Flush
// signals a stage transition.
type Conduit interface {
	Produce(packet []byte) error
	Flush(stage Stage) error
}

// Session holds the per-connection state the key exchange reads and writes.
// The version strings and negotiation payloads are always stored client side
// first regardless of the local role, because the exchange hash orders them
// that way on both peers.
type Session struct {
	Role Role

	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte

	// HostKey is the chosen host-key handle. The responder's carries a
	// private key; the initiator's is populated from the Reply blob.
	HostKey HostKey

	// Outputs. ExchangeHash and SharedSecret are rewritten by every
	// handshake; SessionID is set by the first successful handshake and
	// never changes afterwards, including across rekeys.
	ExchangeHash []byte
	SharedSecret []byte
	SessionID    []byte
}

// Algorithm is one registered key-exchange algorithm. Registered instances
// are templates: the registry clones one per connection once negotiation
// selects it.
type Algorithm interface {
	// Name returns the algorithm's negotiation name.
	Name() string
	// Clone returns a fresh instance bound to session, with no handshake
	// state carried over.
	Clone(session *Session) Algorithm
	// Init starts the exchange. Valid only for the initiator role.
	Init(sender Conduit) error
	// Input processes one inbound message. Any error is terminal for the
	// handshake attempt.
	Input(sender Conduit, payload []byte) error
}
