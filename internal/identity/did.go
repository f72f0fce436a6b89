package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ed25519-pub multicodec prefix.
var ed25519Multicodec = []byte{0xed, 0x01}

var ErrInvalidDID = errors.New("invalid did")

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// GenerateDID creates a fresh ed25519 key and its did:key identifier.
func GenerateDID() (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return DIDFromPublicKey(pub), priv, nil
}

func DIDFromPublicKey(pub ed25519.PublicKey) string {
	payload := append(append([]byte{}, ed25519Multicodec...), pub...)
	return "did:key:z" + base58Encode(payload)
}

func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(did, "did:key:z")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a base58 did:key", ErrInvalidDID, did)
	}
	payload, err := base58Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(payload) != len(ed25519Multicodec)+ed25519.PublicKeySize || payload[0] != ed25519Multicodec[0] || payload[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("%w: %q is not an ed25519 key", ErrInvalidDID, did)
	}
	return ed25519.PublicKey(payload[len(ed25519Multicodec):]), nil
}

func base58Encode(input []byte) string {
	value := new(big.Int).SetBytes(input)
	radix := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for value.Sign() > 0 {
		value.DivMod(value, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(input string) ([]byte, error) {
	if input == "" {
		return nil, errors.New("empty base58 string")
	}
	value := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range input {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", r)
		}
		value.Mul(value, radix)
		value.Add(value, big.NewInt(int64(idx)))
	}
	decoded := value.Bytes()
	zeros := 0
	for zeros < len(input) && input[zeros] == base58Alphabet[0] {
		zeros++
	}
	return append(make([]byte, zeros), decoded...), nil
}
