package pqc

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

var ErrBadSignature = errors.New("pqc: signature verification failed")

// DilithiumKeyPair represents a Dilithium-3 key pair
type DilithiumKeyPair struct {
	PublicKey  sign.PublicKey
	PrivateKey sign.PrivateKey
	Scheme     sign.Scheme
}

// GenerateDilithiumKeyPair generates a new Dilithium-3 key pair
func GenerateDilithiumKeyPair() (*DilithiumKeyPair, error) {
	scheme := mode3.Scheme()
	publicKey, privateKey, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate Dilithium key pair: %w", err)
	}

	return &DilithiumKeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Scheme:     scheme,
	}, nil
}

// DilithiumSign signs a message using Dilithium-3
func DilithiumSign(privateKey sign.PrivateKey, message []byte) []byte {
	return mode3.Scheme().Sign(privateKey, message, nil)
}

// DilithiumVerify verifies a signature using Dilithium-3
func DilithiumVerify(publicKey sign.PublicKey, message []byte, signature []byte) bool {
	return mode3.Scheme().Verify(publicKey, message, signature, nil)
}

// MarshalPublicKey converts a public key to bytes
func (kp *DilithiumKeyPair) MarshalPublicKey() ([]byte, error) {
	return kp.PublicKey.MarshalBinary()
}

// UnmarshalDilithiumPublicKey converts bytes to a public key
func UnmarshalDilithiumPublicKey(data []byte) (sign.PublicKey, error) {
	return mode3.Scheme().UnmarshalBinaryPublicKey(data)
}

// Signer signs outbound mesh frames with the local peer's key.
type Signer struct {
	keys      *DilithiumKeyPair
	publicB64 string
}

func NewSigner() (*Signer, error) {
	kp, err := GenerateDilithiumKeyPair()
	if err != nil {
		return nil, err
	}
	pub, err := kp.MarshalPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return &Signer{keys: kp, publicB64: base64.StdEncoding.EncodeToString(pub)}, nil
}

// PublicKey returns the base64 public key announced in the handshake.
func (s *Signer) PublicKey() string { return s.publicB64 }

// Sign returns the base64 signature of frame.
func (s *Signer) Sign(frame []byte) string {
	return base64.StdEncoding.EncodeToString(DilithiumSign(s.keys.PrivateKey, frame))
}

// Verifier checks frames from one remote peer.
type Verifier struct {
	key sign.PublicKey
}

// NewVerifier parses a base64 public key received in a handshake.
func NewVerifier(publicB64 string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	key, err := UnmarshalDilithiumPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &Verifier{key: key}, nil
}

// Verify checks a base64 signature over frame.
func (v *Verifier) Verify(frame []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !DilithiumVerify(v.key, frame, sig) {
		return ErrBadSignature
	}
	return nil
}
