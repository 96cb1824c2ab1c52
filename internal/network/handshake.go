package network

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PeerPigeon/PigeonMatch/internal/auth"
	"github.com/PeerPigeon/PigeonMatch/internal/crypto/pqc"
)

const (
	handshakeMagic = "PIGEON"
	handshakeEmpty = "-"
)

var (
	ErrBadHandshake     = errors.New("network: malformed handshake")
	ErrWrongNetwork     = errors.New("network: peer belongs to another network")
	ErrSelfConnection   = errors.New("network: connected to self")
	ErrMissingToken     = errors.New("network: peer presented no admission token")
	ErrMissingPublicKey = errors.New("network: peer does not sign frames")
)

// hello is one side of the handshake:
// PIGEON <peerID> <networkID> <pubkey|-> <token|->
type hello struct {
	PeerID    string
	NetworkID string
	PublicKey string
	Token     string
}

func (h hello) String() string {
	return strings.Join([]string{handshakeMagic, h.PeerID, h.NetworkID, orEmpty(h.PublicKey), orEmpty(h.Token)}, " ")
}

func parseHello(line string) (hello, error) {
	parts := strings.Fields(line)
	if len(parts) != 5 || parts[0] != handshakeMagic {
		return hello{}, ErrBadHandshake
	}
	h := hello{
		PeerID:    parts[1],
		NetworkID: parts[2],
		PublicKey: fromEmpty(parts[3]),
		Token:     fromEmpty(parts[4]),
	}
	if h.PeerID == handshakeEmpty || h.NetworkID == handshakeEmpty {
		return hello{}, ErrBadHandshake
	}
	return h, nil
}

// admitted is what the local side learned about a remote peer.
type admitted struct {
	peerID    string
	publicKey string
	verifier  *pqc.Verifier
	claims    *auth.Claims
}

// canPublish reports whether state-bearing frames from the peer are accepted.
func (a admitted) canPublish() bool {
	return a.claims == nil || a.claims.CanPublish()
}

func (n *NetworkManager) localHello() (hello, error) {
	h := hello{PeerID: n.peerID, NetworkID: n.cfg.NetworkID}
	if n.signer != nil {
		h.PublicKey = n.signer.PublicKey()
	}
	if n.tokens != nil {
		perms := []auth.Permission{auth.PermissionPublish}
		if n.cfg.Observer {
			perms = []auth.Permission{auth.PermissionObserve}
		}
		token, err := n.tokens.GenerateToken(n.peerID, n.cfg.NetworkID, perms)
		if err != nil {
			return hello{}, fmt.Errorf("generate admission token: %w", err)
		}
		h.Token = token
	}
	return h, nil
}

// admit checks a remote hello against the local network policy.
func (n *NetworkManager) admit(h hello) (admitted, error) {
	if h.PeerID == n.peerID {
		return admitted{}, ErrSelfConnection
	}
	if h.NetworkID != n.cfg.NetworkID {
		return admitted{}, fmt.Errorf("%w: %s", ErrWrongNetwork, h.NetworkID)
	}
	a := admitted{peerID: h.PeerID}

	if n.tokens != nil {
		if h.Token == "" {
			return admitted{}, ErrMissingToken
		}
		claims, err := n.tokens.Admit(h.Token, h.PeerID, n.cfg.NetworkID)
		if err != nil {
			return admitted{}, err
		}
		a.claims = claims
	}

	if h.PublicKey != "" {
		v, err := pqc.NewVerifier(h.PublicKey)
		if err != nil {
			return admitted{}, err
		}
		a.verifier = v
		a.publicKey = h.PublicKey
	} else if n.signer != nil {
		return admitted{}, ErrMissingPublicKey
	}
	return a, nil
}

func orEmpty(s string) string {
	if s == "" {
		return handshakeEmpty
	}
	return s
}

func fromEmpty(s string) string {
	if s == handshakeEmpty {
		return ""
	}
	return s
}
