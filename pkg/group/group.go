// Package group implements the Diffie-Hellman group selection policy: the
// [1024, 8192] clamping rules for requested bit lengths and the interchangeable
// sources of (prime, generator) parameters.
package group

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Bit-length bounds for group-exchange requests. A requested minimum below
// MinBits is raised to MinBits and a requested maximum above MaxBits is
// lowered to MaxBits before any selection happens.
const (
	MinBits       uint32 = 1024
	MaxBits       uint32 = 8192
	PreferredBits uint32 = 1024
)

var (
	// ErrBadRange is returned when the requested minimum exceeds the
	// requested maximum after clamping.
	ErrBadRange = errors.New("group: min exceeds max")

	// ErrSizeUnavailable is returned by a fixed source whose group does not
	// fall inside the clamped [min, max] window.
	ErrSizeUnavailable = errors.New("group: no group of acceptable size")
)

// Params holds negotiated Diffie-Hellman group parameters.
type Params struct {
	P *big.Int // safe prime
	G *big.Int // generator
}

// BitLen reports the bit length of the prime.
func (p *Params) BitLen() int {
	return p.P.BitLen()
}

// Source produces DH parameters for a clamped (min, n, max) request. Which
// source is in use is a configuration decision; the wire protocol is
// identical either way.
type Source interface {
	Name() string
	Params(min, n, max uint32) (*Params, error)
}

// Clamp applies the selection policy to a requested (min, n, max) triple:
// min is raised to MinBits, max is lowered to MaxBits, and n is clamped into
// [min, max]. Fails with ErrBadRange when min > max after clamping.
func Clamp(min, n, max uint32) (uint32, uint32, uint32, error) {
	if min < MinBits {
		min = MinBits
	}
	if max > MaxBits {
		max = MaxBits
	}
	if min > max {
		return 0, 0, 0, fmt.Errorf("%w: %d > %d", ErrBadRange, min, max)
	}
	if n < min {
		n = min
	} else if n > max {
		n = max
	}
	return min, n, max, nil
}

// testPrime is the compiled-in 1024-bit safe prime used by the test source,
// generator 2.
var testPrime, _ = new(big.Int).SetString(
	"e31dfe85599bcb5c2bbecf201f5f49f1ea31077da926cb31039d82332fed67a3"+
		"a9b1c9e6346cd7b51a0a9411a7d926ff0e8d72c17b539a13787e1638747cb2dc"+
		"602c8ce831f8d97baca671ee610c1aa42f472fe222bd01e525b695da3ff703f4"+
		"0ed68cbb691dcbd1e260dbf50b8598e617be294ea79011acbca53e05fee95693", 16)

// modp14Prime is the 2048-bit MODP group 14 prime from RFC 3526, generator 2.
var modp14Prime, _ = new(big.Int).SetString(
	"ffffffffffffffffc90fdaa22168c234c4c6628b80dc1cd129024e088a67cc74"+
		"020bbea63b139b22514a08798e3404ddef9519b3cd3a431b302b0a6df25f1437"+
		"4fe1356d6d51c245e485b576625e7ec6f44c42e9a637ed6b0bff5cb6f406b7ed"+
		"ee386bfb5a899fa5ae9f24117c4b1fe649286651ece45b3dc2007cb8a163bf05"+
		"98da48361c55d39a69163fa8fd24cf5f83655d23dca3ad961c62f356208552bb"+
		"9ed529077096966d670c354e4abc9804f1746c08ca18217c32905e462e36ce3b"+
		"e39e772c180e86039b2783a2ec07a28fb5c55df06f4c52c9de2bcbf695581718"+
		"3995497cea956ae515d2261898fa051015728e5a8aacaa68ffffffffffffffff", 16)

type fixed struct {
	name string
	p    *big.Int
}

func (f *fixed) Name() string { return f.name }

func (f *fixed) Params(min, n, max uint32) (*Params, error) {
	bits := uint32(f.p.BitLen())
	if bits < min || bits > max {
		return nil, fmt.Errorf("%w: have %d bits, want [%d, %d]", ErrSizeUnavailable, bits, min, max)
	}
	return &Params{P: f.p, G: big.NewInt(2)}, nil
}

// Test returns the fixed 1024-bit test group.
//
// The group is far too small for production use and exists only to make
// handshakes deterministic and fast in tests. It must be selected explicitly;
// nothing defaults to it.
func Test() Source {
	return &fixed{name: "insecure-test-group", p: testPrime}
}

// Modp returns a fixed well-known MODP group from RFC 3526. Only group 14
// (2048 bits) is supported. This is the production default: it avoids the
// latency of per-connection safe-prime generation while staying inside the
// negotiated size window for standard requests.
func Modp(id int) (Source, error) {
	if id != 14 {
		return nil, fmt.Errorf("group: unknown modp group %d", id)
	}
	return &fixed{name: "modp14", p: modp14Prime}, nil
}

type generated struct{}

func (generated) Name() string { return "generated" }

// Params generates a fresh safe prime of n bits with generator 2. Safe-prime
// generation is expensive; prefer a fixed source when many connections share
// one event loop.
func (generated) Params(min, n, max uint32) (*Params, error) {
	p, err := safePrime(int(n))
	if err != nil {
		return nil, fmt.Errorf("group: generating %d-bit safe prime: %w", n, err)
	}
	return &Params{P: p, G: big.NewInt(2)}, nil
}

// Generated returns a source that generates a safe prime per request.
func Generated() Source {
	return generated{}
}

// safePrime finds p = 2q+1 with both p and q prime and p exactly bits long.
func safePrime(bits int) (*big.Int, error) {
	one := big.NewInt(1)
	for {
		q, err := rand.Prime(rand.Reader, bits-1)
		if err != nil {
			return nil, err
		}
		p := new(big.Int).Lsh(q, 1)
		p.Add(p, one)
		if p.BitLen() == bits && p.ProbablyPrime(20) {
			return p, nil
		}
	}
}
