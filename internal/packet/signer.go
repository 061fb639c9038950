package packet

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/roach88/retract/internal/ir"
)

// SignatureSize is the length of the trailing signature in wire bytes.
const SignatureSize = ed25519.SignatureSize

var (
	// ErrBadSignature is returned when a signature does not verify against
	// the claimed author.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrBadMember is returned when a member id is not a hex ed25519 key.
	ErrBadMember = errors.New("invalid member id")
)

// Signer holds a member's private key.
type Signer struct {
	priv   ed25519.PrivateKey
	member ir.MemberID
}

// NewSigner wraps an ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, member: MemberFromPublicKey(pub)}
}

// NewSignerFromSeed derives a signer from a 32-byte ed25519 seed.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed)), nil
}

// GenerateSigner creates a fresh key pair from rand.
func GenerateSigner(rand io.Reader) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(priv), nil
}

// Member returns the member id of the signer.
func (s *Signer) Member() ir.MemberID {
	return s.member
}

// Seed returns the private seed.
func (s *Signer) Seed() []byte {
	return s.priv.Seed()
}

// Sign signs sha3-256(body).
func (s *Signer) Sign(body []byte) []byte {
	digest := sha3.Sum256(body)
	return ed25519.Sign(s.priv, digest[:])
}

// Verify checks sig over sha3-256(body) against the public key of member.
func Verify(member ir.MemberID, body, sig []byte) error {
	pub, err := PublicKeyFromMember(member)
	if err != nil {
		return err
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrBadSignature, len(sig))
	}
	digest := sha3.Sum256(body)
	if !ed25519.Verify(pub, digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}

// MemberFromPublicKey returns the member id for pub.
func MemberFromPublicKey(pub ed25519.PublicKey) ir.MemberID {
	return ir.MemberID(hex.EncodeToString(pub))
}

// PublicKeyFromMember decodes a member id back to its public key.
func PublicKeyFromMember(member ir.MemberID) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(string(member))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %q", ErrBadMember, member)
	}
	if string(member) != strings.ToLower(string(member)) {
		return nil, fmt.Errorf("%w: %q is not lowercase", ErrBadMember, member)
	}
	return ed25519.PublicKey(raw), nil
}

// ReadKeyFile loads a signer from a file holding a hex-encoded seed.
func ReadKeyFile(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	return NewSignerFromSeed(seed)
}

// WriteKeyFile stores the signer's seed as hex with owner-only permissions.
func WriteKeyFile(path string, s *Signer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	data := hex.EncodeToString(s.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
