package network

import (
	"bytes"
	"errors"

	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

var ErrUnsignedFrame = errors.New("network: frame carries no signature")

// encodeFrame turns a message into one wire line without the trailing
// newline: body[ sig], where body is JSON or a sealed blob.
func (n *NetworkManager) encodeFrame(msg types.Message) ([]byte, error) {
	body, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if n.cipher != nil {
		if body, err = n.cipher.Seal(body); err != nil {
			return nil, err
		}
	}
	if n.signer != nil {
		sig := n.signer.Sign(body)
		line := make([]byte, 0, len(body)+1+len(sig))
		line = append(line, body...)
		line = append(line, ' ')
		line = append(line, sig...)
		return line, nil
	}
	return body, nil
}

// decodeFrame verifies, opens and decodes one line from peer a.
func (n *NetworkManager) decodeFrame(a admitted, line []byte) (types.Message, error) {
	body := line
	if a.verifier != nil {
		i := bytes.LastIndexByte(line, ' ')
		if i < 0 {
			return types.Message{}, ErrUnsignedFrame
		}
		body = line[:i]
		if err := a.verifier.Verify(body, string(line[i+1:])); err != nil {
			return types.Message{}, err
		}
	}
	if n.cipher != nil {
		plain, err := n.cipher.Open(body)
		if err != nil {
			return types.Message{}, err
		}
		body = plain
	}
	return types.DecodeMessage(body)
}
