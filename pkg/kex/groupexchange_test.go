package kex

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"

	"github.com/monnand/dhkx"

	"gexshake/pkg/group"
	"gexshake/pkg/wire"
)

func bigZero() *big.Int { return new(big.Int) }

func bigOne() *big.Int { return big.NewInt(1) }

func bigFromBytes(b []byte) *big.Int { return new(big.Int).SetBytes(b) }

// mockConduit records produced packets and flushed stages
type mockConduit struct {
	packets [][]byte
	stages  []Stage
}

func (c *mockConduit) Produce(packet []byte) error {
	c.packets = append(c.packets, append([]byte(nil), packet...))
	return nil
}

func (c *mockConduit) Flush(stage Stage) error {
	c.stages = append(c.stages, stage)
	return nil
}

func (c *mockConduit) last(t *testing.T) []byte {
	t.Helper()
	if len(c.packets) == 0 {
		t.Fatal("no packet produced")
	}
	return c.packets[len(c.packets)-1]
}

// mockHostKey is a deterministic host key for testing: signatures are a
// keyed digest the verifying side can recompute.
type mockHostKey struct {
	blob       []byte
	failDecode bool
}

func (m *mockHostKey) Algorithm() string { return "mock-key" }

func (m *mockHostKey) Sign(data []byte) ([]byte, error) {
	return m.digest(data), nil
}

func (m *mockHostKey) Verify(sig, data []byte) error {
	if !bytes.Equal(sig, m.digest(data)) {
		return errors.New("mock signature mismatch")
	}
	return nil
}

func (m *mockHostKey) EncodePublicKey() []byte { return m.blob }

func (m *mockHostKey) DecodePublicKey(blob []byte) error {
	if m.failDecode {
		return errors.New("mock decode failure")
	}
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *mockHostKey) digest(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte("mock-host-key"))
	h.Write(m.blob)
	h.Write(data)
	return h.Sum(nil)
}

// newTestSessions builds an initiator/responder session pair sharing version
// strings and negotiation payloads.
func newTestSessions() (*Session, *Session) {
	clientVersion := []byte("GEXSHAKE-1.0-test-client")
	serverVersion := []byte("GEXSHAKE-1.0-test-server")
	clientKexInit := []byte("client-kexinit-payload")
	serverKexInit := []byte("server-kexinit-payload")

	initiator := &Session{
		Role:          Initiator,
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		ClientKexInit: clientKexInit,
		ServerKexInit: serverKexInit,
		HostKey:       &mockHostKey{},
	}
	responder := &Session{
		Role:          Responder,
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		ClientKexInit: clientKexInit,
		ServerKexInit: serverKexInit,
		HostKey:       &mockHostKey{blob: []byte("responder-host-key-blob")},
	}
	return initiator, responder
}

// runExchange drives a complete four-message exchange between fresh clones
// bound to the given sessions.
func runExchange(t *testing.T, name string, initSess, respSess *Session) {
	t.Helper()

	template := NewGroupExchange(name, hashFor(t, name), group.Test())
	init := template.Clone(initSess)
	resp := template.Clone(respSess)

	initConduit := &mockConduit{}
	respConduit := &mockConduit{}

	if err := init.Init(initConduit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := resp.Input(respConduit, initConduit.last(t)); err != nil {
		t.Fatalf("responder failed on request: %v", err)
	}
	if err := init.Input(initConduit, respConduit.last(t)); err != nil {
		t.Fatalf("initiator failed on group: %v", err)
	}
	if err := resp.Input(respConduit, initConduit.last(t)); err != nil {
		t.Fatalf("responder failed on initialize: %v", err)
	}
	if err := init.Input(initConduit, respConduit.last(t)); err != nil {
		t.Fatalf("initiator failed on reply: %v", err)
	}

	if len(respConduit.stages) != 1 || respConduit.stages[0] != AlgorithmNegotiated {
		t.Errorf("responder stages = %v, want [AlgorithmNegotiated]", respConduit.stages)
	}
	if len(initConduit.stages) != 1 || initConduit.stages[0] != AlgorithmNegotiated {
		t.Errorf("initiator stages = %v, want [AlgorithmNegotiated]", initConduit.stages)
	}
}

func hashFor(t *testing.T, name string) crypto.Hash {
	t.Helper()
	switch name {
	case NameSHA256:
		return crypto.SHA256
	case NameSHA1:
		return crypto.SHA1
	default:
		t.Fatalf("unknown algorithm %q", name)
		return 0
	}
}

// TestEndToEndExchange runs the full four-message scenario for both hash
// variants and checks that both peers derive identical outputs.
func TestEndToEndExchange(t *testing.T) {
	cases := []struct {
		name       string
		digestSize int
	}{
		{NameSHA256, 32},
		{NameSHA1, 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			initSess, respSess := newTestSessions()
			runExchange(t, tc.name, initSess, respSess)

			if len(initSess.ExchangeHash) != tc.digestSize {
				t.Errorf("exchange hash is %d bytes, want %d", len(initSess.ExchangeHash), tc.digestSize)
			}
			if !bytes.Equal(initSess.ExchangeHash, respSess.ExchangeHash) {
				t.Error("exchange hashes differ between peers")
			}
			if !bytes.Equal(initSess.SharedSecret, respSess.SharedSecret) {
				t.Error("shared secrets differ between peers")
			}
			if !bytes.Equal(initSess.SessionID, initSess.ExchangeHash) {
				t.Error("session id of first handshake is not the exchange hash")
			}
			if len(initSess.SharedSecret) == 0 {
				t.Error("shared secret is empty")
			}
		})
	}
}

// TestExchangeMessageShape checks the wire shape of each produced message
func TestExchangeMessageShape(t *testing.T) {
	initSess, respSess := newTestSessions()
	template := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test())
	init := template.Clone(initSess)
	resp := template.Clone(respSess)

	initConduit := &mockConduit{}
	respConduit := &mockConduit{}

	if err := init.Init(initConduit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	request := initConduit.last(t)
	if request[0] != msgGexRequest {
		t.Fatalf("request tag = %d, want %d", request[0], msgGexRequest)
	}
	min, rest, _ := wire.ParseUint32(request[1:])
	n, rest, _ := wire.ParseUint32(rest)
	max, _, _ := wire.ParseUint32(rest)
	if min != 1024 || n != 1024 || max != 8192 {
		t.Errorf("request triple = (%d, %d, %d), want (1024, 1024, 8192)", min, n, max)
	}

	if err := resp.Input(respConduit, request); err != nil {
		t.Fatalf("responder failed on request: %v", err)
	}
	groupMsg := respConduit.last(t)
	if groupMsg[0] != msgGexGroup {
		t.Fatalf("group tag = %d, want %d", groupMsg[0], msgGexGroup)
	}
	p, rest, err := wire.ParseInt(groupMsg[1:])
	if err != nil {
		t.Fatalf("parsing p: %v", err)
	}
	g, _, err := wire.ParseInt(rest)
	if err != nil {
		t.Fatalf("parsing g: %v", err)
	}
	if p.BitLen() != 1024 {
		t.Errorf("test group prime is %d bits, want 1024", p.BitLen())
	}
	if g.Int64() != 2 {
		t.Errorf("generator = %v, want 2", g)
	}

	if err := init.Input(initConduit, groupMsg); err != nil {
		t.Fatalf("initiator failed on group: %v", err)
	}
	initMsg := initConduit.last(t)
	if initMsg[0] != msgGexInit {
		t.Fatalf("initialize tag = %d, want %d", initMsg[0], msgGexInit)
	}
	e, _, err := wire.ParseInt(initMsg[1:])
	if err != nil {
		t.Fatalf("parsing e: %v", err)
	}
	if e.Sign() <= 0 || e.Cmp(p) >= 0 {
		t.Error("public value e out of range")
	}

	if err := resp.Input(respConduit, initMsg); err != nil {
		t.Fatalf("responder failed on initialize: %v", err)
	}
	reply := respConduit.last(t)
	if reply[0] != msgGexReply {
		t.Fatalf("reply tag = %d, want %d", reply[0], msgGexReply)
	}
	blob, rest, err := wire.ParseString(reply[1:])
	if err != nil {
		t.Fatalf("parsing host key blob: %v", err)
	}
	if !bytes.Equal(blob, respSess.HostKey.EncodePublicKey()) {
		t.Error("reply host key blob differs from responder host key")
	}
	f, rest, err := wire.ParseInt(rest)
	if err != nil {
		t.Fatalf("parsing f: %v", err)
	}
	if f.Sign() <= 0 || f.Cmp(p) >= 0 {
		t.Error("public value f out of range")
	}
	if _, rest, err = wire.ParseString(rest); err != nil {
		t.Fatalf("parsing signature: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("%d trailing bytes in reply", len(rest))
	}
}

// TestSessionIDStableAcrossRekey tests that the second handshake on a
// session updates the exchange hash but never the session id.
func TestSessionIDStableAcrossRekey(t *testing.T) {
	initSess, respSess := newTestSessions()

	runExchange(t, NameSHA256, initSess, respSess)
	firstHash := append([]byte(nil), initSess.ExchangeHash...)
	firstID := append([]byte(nil), initSess.SessionID...)

	// Rekey: fresh clones, same sessions.
	runExchange(t, NameSHA256, initSess, respSess)

	if bytes.Equal(initSess.ExchangeHash, firstHash) {
		t.Error("rekey produced an identical exchange hash")
	}
	if !bytes.Equal(initSess.SessionID, firstID) {
		t.Error("rekey changed the session id")
	}
	if !bytes.Equal(initSess.SessionID, respSess.SessionID) {
		t.Error("session ids differ between peers")
	}
}

// TestRoleMismatch tests that messages delivered to the wrong role fail
func TestRoleMismatch(t *testing.T) {
	initSess, respSess := newTestSessions()
	template := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test())

	cases := []struct {
		name    string
		session *Session
		tag     byte
	}{
		{"RequestToInitiator", initSess, msgGexRequest},
		{"GroupToResponder", respSess, msgGexGroup},
		{"InitializeToInitiator", initSess, msgGexInit},
		{"ReplyToResponder", respSess, msgGexReply},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			algo := template.Clone(tc.session)
			err := algo.Input(&mockConduit{}, []byte{tc.tag})
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("got %v, want ErrProtocolViolation", err)
			}
		})
	}
}

// TestUnknownTag tests that tags outside {31, 32, 33, 34} fail
func TestUnknownTag(t *testing.T) {
	initSess, _ := newTestSessions()
	algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(initSess)

	for _, tag := range []byte{0, 1, 20, 30, 35, 255} {
		if err := algo.Input(&mockConduit{}, []byte{tag}); !errors.Is(err, ErrUnexpectedMessage) {
			t.Errorf("tag %d: got %v, want ErrUnexpectedMessage", tag, err)
		}
	}
}

// TestEmptyPacket tests that a zero-length payload fails
func TestEmptyPacket(t *testing.T) {
	initSess, _ := newTestSessions()
	algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(initSess)

	if err := algo.Input(&mockConduit{}, nil); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("got %v, want ErrProtocolViolation", err)
	}
}

// TestInitOnResponder tests that only the initiator may start the exchange
func TestInitOnResponder(t *testing.T) {
	_, respSess := newTestSessions()
	algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(respSess)

	if err := algo.Init(&mockConduit{}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("got %v, want ErrProtocolViolation", err)
	}
}

// TestRangeInvalid tests that an empty size range fails the handshake
func TestRangeInvalid(t *testing.T) {
	_, respSess := newTestSessions()
	algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(respSess)

	var body []byte
	body = wire.AppendUint32(body, 4096)
	body = wire.AppendUint32(body, 2048)
	body = wire.AppendUint32(body, 2048)
	err := algo.Input(&mockConduit{}, append([]byte{msgGexRequest}, body...))
	if !errors.Is(err, ErrRangeInvalid) {
		t.Errorf("got %v, want ErrRangeInvalid", err)
	}
}

// TestRangeUnsatisfiableBySource tests that a fixed source outside the
// clamped window fails the handshake.
func TestRangeUnsatisfiableBySource(t *testing.T) {
	_, respSess := newTestSessions()
	algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(respSess)

	// Window [2048, 8192] cannot be served by the 1024-bit test group.
	var body []byte
	body = wire.AppendUint32(body, 2048)
	body = wire.AppendUint32(body, 2048)
	body = wire.AppendUint32(body, 8192)
	err := algo.Input(&mockConduit{}, append([]byte{msgGexRequest}, body...))
	if !errors.Is(err, ErrRangeInvalid) {
		t.Errorf("got %v, want ErrRangeInvalid", err)
	}
}

// TestMalformedRequest tests that truncated request fields fail
func TestMalformedRequest(t *testing.T) {
	_, respSess := newTestSessions()
	algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(respSess)

	err := algo.Input(&mockConduit{}, []byte{msgGexRequest, 0, 0})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("got %v, want ErrProtocolViolation", err)
	}
}

// TestOutOfOrderMessages tests the ordering guards
func TestOutOfOrderMessages(t *testing.T) {
	t.Run("InitializeBeforeRequest", func(t *testing.T) {
		_, respSess := newTestSessions()
		algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(respSess)

		body := wire.AppendInt(nil, bigOne())
		err := algo.Input(&mockConduit{}, append([]byte{msgGexInit}, body...))
		if !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("got %v, want ErrProtocolViolation", err)
		}
	})

	t.Run("ReplyBeforeGroup", func(t *testing.T) {
		initSess, _ := newTestSessions()
		algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(initSess)

		var body []byte
		body = wire.AppendString(body, []byte("blob"))
		body = wire.AppendInt(body, bigOne())
		body = wire.AppendString(body, []byte("sig"))
		err := algo.Input(&mockConduit{}, append([]byte{msgGexReply}, body...))
		if !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("got %v, want ErrProtocolViolation", err)
		}
	})
}

// TestSignatureTamper flips a bit in the reply signature and checks that the
// initiator rejects the handshake without advancing the stage.
func TestSignatureTamper(t *testing.T) {
	initSess, respSess := newTestSessions()
	template := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test())
	init := template.Clone(initSess)
	resp := template.Clone(respSess)

	initConduit := &mockConduit{}
	respConduit := &mockConduit{}

	if err := init.Init(initConduit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := resp.Input(respConduit, initConduit.last(t)); err != nil {
		t.Fatalf("responder failed on request: %v", err)
	}
	if err := init.Input(initConduit, respConduit.last(t)); err != nil {
		t.Fatalf("initiator failed on group: %v", err)
	}
	if err := resp.Input(respConduit, initConduit.last(t)); err != nil {
		t.Fatalf("responder failed on initialize: %v", err)
	}

	// Flip the last bit of the reply, which lands inside the signature
	// string at the end of the message.
	reply := append([]byte(nil), respConduit.last(t)...)
	reply[len(reply)-1] ^= 0x01

	err := init.Input(initConduit, reply)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("got %v, want ErrSignatureInvalid", err)
	}
	if len(initConduit.stages) != 0 {
		t.Error("initiator advanced the stage despite a bad signature")
	}
}

// TestPeerPublicValueOutOfBounds tests that e outside (0, p) fails
func TestPeerPublicValueOutOfBounds(t *testing.T) {
	params, err := group.Test().Params(1024, 1024, 8192)
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}

	cases := []struct {
		name string
		e    func() []byte
	}{
		{"Zero", func() []byte { return wire.AppendInt(nil, bigZero()) }},
		{"EqualToP", func() []byte { return wire.AppendInt(nil, params.P) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, respSess := newTestSessions()
			algo := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(respSess)

			var request []byte
			request = wire.AppendUint32(request, 1024)
			request = wire.AppendUint32(request, 1024)
			request = wire.AppendUint32(request, 8192)
			if err := algo.Input(&mockConduit{}, append([]byte{msgGexRequest}, request...)); err != nil {
				t.Fatalf("request failed: %v", err)
			}

			err := algo.Input(&mockConduit{}, append([]byte{msgGexInit}, tc.e()...))
			if !errors.Is(err, ErrCryptoFailure) {
				t.Errorf("got %v, want ErrCryptoFailure", err)
			}
		})
	}
}

// TestBadHostKeyBlob tests that an undecodable host key blob fails the reply
func TestBadHostKeyBlob(t *testing.T) {
	initSess, respSess := newTestSessions()
	initSess.HostKey = &mockHostKey{failDecode: true}

	template := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test())
	init := template.Clone(initSess)
	resp := template.Clone(respSess)

	initConduit := &mockConduit{}
	respConduit := &mockConduit{}

	if err := init.Init(initConduit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := resp.Input(respConduit, initConduit.last(t)); err != nil {
		t.Fatalf("responder failed on request: %v", err)
	}
	if err := init.Input(initConduit, respConduit.last(t)); err != nil {
		t.Fatalf("initiator failed on group: %v", err)
	}
	if err := resp.Input(respConduit, initConduit.last(t)); err != nil {
		t.Fatalf("responder failed on initialize: %v", err)
	}

	err := init.Input(initConduit, respConduit.last(t))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("got %v, want ErrProtocolViolation", err)
	}
}

// TestExchangeHashDeterminism checks that identical transcripts and shared
// values produce bit-identical exchange hashes across independent instances.
func TestExchangeHashDeterminism(t *testing.T) {
	params, err := group.Test().Params(1024, 1024, 8192)
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}
	dh := dhkx.CreateGroup(params.P, params.G)

	local, err := dh.GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	remote, err := dh.GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	peerPub := bigFromBytes(remote.Bytes())

	transcript := []byte("identical transcript bytes for both instances")

	build := func() *GroupExchange {
		sess, _ := newTestSessions()
		gex := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test()).Clone(sess).(*GroupExchange)
		gex.dh = dh
		gex.key = local
		gex.pub = bigFromBytes(local.Bytes())
		gex.transcript = append([]byte(nil), transcript...)
		return gex
	}

	a := build()
	b := build()
	if err := a.finish(peerPub); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if err := b.finish(peerPub); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	if !bytes.Equal(a.session.ExchangeHash, b.session.ExchangeHash) {
		t.Error("independent invocations produced different exchange hashes")
	}
	if !bytes.Equal(a.session.SharedSecret, b.session.SharedSecret) {
		t.Error("independent invocations produced different shared secrets")
	}
}

// TestSharedSecretComputedOnce tests the exactly-once derivation guard
func TestSharedSecretComputedOnce(t *testing.T) {
	initSess, respSess := newTestSessions()
	template := NewGroupExchange(NameSHA256, crypto.SHA256, group.Test())
	init := template.Clone(initSess)
	resp := template.Clone(respSess)

	initConduit := &mockConduit{}
	respConduit := &mockConduit{}

	if err := init.Init(initConduit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := resp.Input(respConduit, initConduit.last(t)); err != nil {
		t.Fatalf("responder failed on request: %v", err)
	}
	if err := init.Input(initConduit, respConduit.last(t)); err != nil {
		t.Fatalf("initiator failed on group: %v", err)
	}
	initialize := initConduit.last(t)
	if err := resp.Input(respConduit, initialize); err != nil {
		t.Fatalf("responder failed on initialize: %v", err)
	}

	// A replayed Initialize must not recompute the shared value.
	if err := resp.Input(respConduit, initialize); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("got %v, want ErrProtocolViolation", err)
	}
}
