package testutil

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
)

// Keyring derives one signing key per member name. The same name always
// yields the same key, so member ids and wire bytes are stable across runs.
//
// Thread-safety: Keyring is safe for concurrent use.
type Keyring struct {
	mu      sync.Mutex
	signers map[string]*packet.Signer
	names   map[ir.MemberID]string
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		signers: make(map[string]*packet.Signer),
		names:   make(map[ir.MemberID]string),
	}
}

// Signer returns the signer for name, deriving it on first use.
func (k *Keyring) Signer(name string) *packet.Signer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.signers[name]; ok {
		return s
	}
	s := DeriveSigner(name)
	k.signers[name] = s
	k.names[s.Member()] = name
	return s
}

// Member returns the member id for name.
func (k *Keyring) Member(name string) ir.MemberID {
	return k.Signer(name).Member()
}

// Name returns the name a member id was derived from, or the short form of
// the id for members this keyring never derived.
func (k *Keyring) Name(m ir.MemberID) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if name, ok := k.names[m]; ok {
		return name
	}
	return m.Short()
}

// DeriveSigner returns the deterministic signer for name.
func DeriveSigner(name string) *packet.Signer {
	seed := sha256.Sum256([]byte("retract-test-member:" + name))
	s, err := packet.NewSignerFromSeed(seed[:])
	if err != nil {
		panic(fmt.Sprintf("testutil: derive signer %q: %v", name, err))
	}
	return s
}

// MustEncode signs r with s and panics on failure.
func MustEncode(r ir.Record, s *packet.Signer) ir.Record {
	enc, err := packet.Encode(r, s)
	if err != nil {
		panic(fmt.Sprintf("testutil: encode %s: %v", r.Key(), err))
	}
	return enc
}

// DataRecord returns a signed data record.
func DataRecord(s *packet.Signer, typ ir.RecordType, gt uint64, payload ir.IRObject) ir.Record {
	return MustEncode(ir.Record{
		Author:     s.Member(),
		Type:       typ,
		GlobalTime: gt,
		Payload:    payload,
	}, s)
}

// CancelRecord returns a signed cancel of victim. The cancel type follows
// from whether s authored the victim.
func CancelRecord(s *packet.Signer, gt uint64, victim ir.RecordKey) ir.Record {
	typ := ir.TypeCancelOther
	if victim.Author == s.Member() {
		typ = ir.TypeCancelOwn
	}
	v := victim
	return MustEncode(ir.Record{
		Author:     s.Member(),
		Type:       typ,
		GlobalTime: gt,
		Victim:     &v,
	}, s)
}

// GrantRecord returns a signed authorize or revoke record.
func GrantRecord(s *packet.Signer, typ ir.RecordType, gt uint64, grants ...ir.Grant) ir.Record {
	return MustEncode(ir.Record{
		Author:     s.Member(),
		Type:       typ,
		GlobalTime: gt,
		Grants:     grants,
	}, s)
}
