package ledger

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// SecretSize is the length in bytes of a token secret.
const SecretSize = 32

// HashPuzzleUnlockSize is the serialized length of a hash puzzle unlocking
// script: one push opcode followed by the secret.
const HashPuzzleUnlockSize = 1 + SecretSize

// SecretPair is a random secret and its SHA-256 digest. The digest is
// published in the locking script, the secret is revealed when spending.
type SecretPair struct {
	Secret []byte
	Hash   []byte
}

// NewSecretPair generates a fresh secret/challenge pair.
func NewSecretPair() (SecretPair, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return SecretPair{}, fmt.Errorf("failed to generate secret: %v", err)
	}
	hash := sha256.Sum256(secret)
	return SecretPair{Secret: secret, Hash: hash[:]}, nil
}

// HashPuzzleLock builds OP_SHA256 <hash> OP_EQUAL.
func HashPuzzleLock(hash []byte) ([]byte, error) {
	if len(hash) != sha256.Size {
		return nil, fmt.Errorf("hash puzzle requires a %d byte hash, got %d", sha256.Size, len(hash))
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(hash).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// HashPuzzleUnlock builds the unlocking script revealing secret.
func HashPuzzleUnlock(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty hash puzzle secret")
	}
	return txscript.NewScriptBuilder().AddData(secret).Script()
}

// HashPuzzleChallenge returns the published hash of a hash puzzle locking
// script, or false if the script is not a hash puzzle.
func HashPuzzleChallenge(script []byte) ([]byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	var ops []byte
	var data []byte
	for tokenizer.Next() {
		ops = append(ops, tokenizer.Opcode())
		if tokenizer.Data() != nil {
			data = tokenizer.Data()
		}
	}
	if tokenizer.Err() != nil || len(ops) != 3 {
		return nil, false
	}
	if ops[0] != txscript.OP_SHA256 || ops[2] != txscript.OP_EQUAL || len(data) != sha256.Size {
		return nil, false
	}
	return data, true
}

// CheckSecret reports whether secret satisfies the puzzle in script.
func CheckSecret(script, secret []byte) bool {
	challenge, ok := HashPuzzleChallenge(script)
	if !ok {
		return false
	}
	hash := sha256.Sum256(secret)
	return bytes.Equal(hash[:], challenge)
}
