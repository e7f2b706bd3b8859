// Package sigverify checks claim authorizations. It is pure and
// stateless: no I/O, no configuration, and it fails closed — malformed
// input of any kind is an invalid signature, never an error path that
// could bypass the check.
package sigverify

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const messageVersion = "paylink-claim-v1"

// ClaimMessage is the canonical encoding a claimant signs. Link ID and
// amount are separate components so a signature cannot be replayed
// against a different link or amount; the intent component carries the
// payout target.
func ClaimMessage(linkID, amount, intent string) []byte {
	return []byte(messageVersion + "|" + linkID + "|" + amount + "|" + intent)
}

// ClaimIntent binds the recipient into the signed message.
func ClaimIntent(recipient string) string {
	return "claim:" + recipient
}

// Verify reports whether sig is a valid secp256k1 signature over
// keccak256(msg) by the given public key. Accepted encodings: pubKeyHex
// is a hex compressed (33 byte) or uncompressed (65 byte) key, sig is a
// hex 64-byte r||s signature, optionally followed by a recovery byte.
func Verify(pubKeyHex string, msg []byte, sigHex string) bool {
	pubKey, err := hex.DecodeString(strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return false
	}
	if len(pubKey) != 33 && len(pubKey) != 65 {
		return false
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return false
	}
	switch len(sig) {
	case 64:
	case 65:
		sig = sig[:64] // drop the recovery byte
	default:
		return false
	}

	hash := crypto.Keccak256(msg)
	return crypto.VerifySignature(pubKey, hash, sig)
}
