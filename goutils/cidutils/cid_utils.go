package cidutils

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrUnsupportedDigest is returned for any content identifier whose multihash
// is not sha2-256 with a 32 byte digest. The on-chain contracts only carry
// that one digest shape, so nothing else can be bridged.
var ErrUnsupportedDigest = errors.New("unsupported multihash in content identifier")

const (
	sha256Code   = uint64(mh.SHA2_256)
	sha256Length = 32

	// multibase base16 tag + CIDv1 + dag-pb + sha2-256 + 32 byte length,
	// the fixed header the gateway expects in front of the hex digest.
	gatewayCidHeader = "f01701220"
)

// DigestFromCID extracts the raw 32 byte sha2-256 digest referenced on-chain
// from a content identifier. Both the legacy base58 ("Qm...") and the modern
// multibase forms are accepted.
func DigestFromCID(cidStr string) ([32]byte, error) {
	var digest [32]byte

	c, err := cid.Decode(cidStr)
	if err != nil {
		return digest, fmt.Errorf("failed to decode cid %q: %w", cidStr, err)
	}

	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return digest, fmt.Errorf("failed to decode multihash of cid %q: %w", cidStr, err)
	}

	if decoded.Code != sha256Code || decoded.Length != sha256Length {
		return digest, fmt.Errorf("%w: function 0x%x length %d", ErrUnsupportedDigest, decoded.Code, decoded.Length)
	}

	copy(digest[:], decoded.Digest)

	return digest, nil
}

// CIDFromDigest renders a 32 byte sha2-256 digest back into a CIDv1 string.
// DigestFromCID(CIDFromDigest(d)) always yields d again.
func CIDFromDigest(digest [32]byte) (string, error) {
	encoded, err := mh.Encode(digest[:], sha256Code)
	if err != nil {
		return "", fmt.Errorf("failed to encode multihash: %w", err)
	}

	return cid.NewCidV1(cid.DagProtobuf, encoded).String(), nil
}

// DigestFromPayload extracts the digest from a delivery event payload.
// Workers post either the bare 32 byte digest or the full 34 byte sha2-256
// multihash (0x12 0x20 prefix); both are accepted, anything else is rejected.
func DigestFromPayload(payload []byte) ([32]byte, error) {
	var digest [32]byte

	switch len(payload) {
	case sha256Length:
		copy(digest[:], payload)
	case sha256Length + 2:
		if payload[0] != byte(sha256Code) || payload[1] != sha256Length {
			return digest, fmt.Errorf("%w: multihash header 0x%x%x", ErrUnsupportedDigest, payload[0], payload[1])
		}
		copy(digest[:], payload[2:])
	default:
		return digest, fmt.Errorf("%w: payload length %d", ErrUnsupportedDigest, len(payload))
	}

	return digest, nil
}

// MultihashFromDigest returns the 34 byte sha2-256 multihash carried in
// deliver calldata for the given digest.
func MultihashFromDigest(digest [32]byte) []byte {
	encoded := make([]byte, 0, sha256Length+2)
	encoded = append(encoded, byte(sha256Code), sha256Length)
	encoded = append(encoded, digest[:]...)

	return encoded
}

// GatewayURLForDigest formats the content-store URL a delivered digest
// resolves to. This is a fixed string template, not a CID re-encoding; the
// header must match byte-for-byte what on-chain log data decodes to.
func GatewayURLForDigest(gatewayBase string, digest [32]byte) string {
	return gatewayBase + gatewayCidHeader + hex.EncodeToString(digest[:])
}
