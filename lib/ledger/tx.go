package ledger

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// P2PKHUnlockSize is the worst case length of a P2PKH unlocking script:
// push(72 byte signature) push(33 byte compressed key).
const P2PKHUnlockSize = 1 + 72 + 1 + 33

// SigHashForkID marks a signature as committing to the replay protected
// digest, which also covers the amount being spent.
const SigHashForkID txscript.SigHashType = 0x40

// SigHashAllForkID is the only sighash type the ledger relays accept from
// this service.
const SigHashAllForkID = txscript.SigHashAll | SigHashForkID

// SignatureHash returns the FORKID digest of input idx spending subScript
// worth amount satoshis. prevOutputs may be nil.
func SignatureHash(tx *wire.MsgTx, idx int, subScript []byte, amount int64, hashType txscript.SigHashType, prevOutputs txscript.PrevOutputFetcher) ([]byte, error) {
	if hashType&SigHashForkID == 0 {
		return nil, fmt.Errorf("sighash type %#x lacks the fork id flag", uint32(hashType))
	}
	if prevOutputs == nil {
		prevOutputs = txscript.NewCannedPrevOutputFetcher(subScript, amount)
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOutputs)
	return txscript.CalcWitnessSigHash(subScript, sigHashes, hashType, tx, idx, amount)
}

// SignP2PKH fills the unlocking script of input idx, which spends amount
// satoshis locked by pkScript, with a SIGHASH_ALL|FORKID signature.
func SignP2PKH(tx *wire.MsgTx, idx int, pkScript []byte, amount int64, key *btcec.PrivateKey, prevOutputs txscript.PrevOutputFetcher) error {
	hash, err := SignatureHash(tx, idx, pkScript, amount, SigHashAllForkID, prevOutputs)
	if err != nil {
		return fmt.Errorf("failed to compute signature hash: %v", err)
	}
	sig := append(ecdsa.Sign(key, hash).Serialize(), byte(SigHashAllForkID))
	sigScript, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddData(key.PubKey().SerializeCompressed()).
		Script()
	if err != nil {
		return fmt.Errorf("failed to create signature script: %v", err)
	}
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

// verifyP2PKH checks a FORKID signature on input idx against pkScript.
func verifyP2PKH(tx *wire.MsgTx, idx int, pkScript []byte, amount int64, prevOutputs txscript.PrevOutputFetcher) error {
	pushes, err := txscript.PushedData(tx.TxIn[idx].SignatureScript)
	if err != nil {
		return fmt.Errorf("failed to parse unlocking script: %v", err)
	}
	if len(pushes) != 2 || len(pushes[0]) < 2 {
		return fmt.Errorf("unlocking script is not <sig> <pubkey>")
	}
	sigBytes, pubBytes := pushes[0], pushes[1]

	hashType := txscript.SigHashType(sigBytes[len(sigBytes)-1])
	if hashType != SigHashAllForkID {
		return fmt.Errorf("unsupported sighash type %#x", uint32(hashType))
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes[:len(sigBytes)-1])
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %v", err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("invalid public key: %v", err)
	}
	if !bytes.Equal(btcutil.Hash160(pubBytes), pkScript[3:23]) {
		return fmt.Errorf("public key does not match the locking script")
	}

	hash, err := SignatureHash(tx, idx, pkScript, amount, hashType, prevOutputs)
	if err != nil {
		return err
	}
	if !sig.Verify(hash, pub) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// VerifyInput checks the unlocking script of input idx against the locking
// script it spends. P2PKH inputs are checked as FORKID signatures; any
// other script is executed by the script engine.
func VerifyInput(tx *wire.MsgTx, idx int, pkScript []byte, amount int64, prevOutputs txscript.PrevOutputFetcher) error {
	if prevOutputs == nil {
		prevOutputs = txscript.NewCannedPrevOutputFetcher(pkScript, amount)
	}
	if txscript.IsPayToPubKeyHash(pkScript) {
		return verifyP2PKH(tx, idx, pkScript, amount, prevOutputs)
	}
	engine, err := txscript.NewEngine(pkScript, tx, idx, txscript.StandardVerifyFlags, nil, nil, amount, prevOutputs)
	if err != nil {
		return fmt.Errorf("failed to create script engine: %v", err)
	}
	if err := engine.Execute(); err != nil {
		return fmt.Errorf("failed to execute script: %v", err)
	}
	return nil
}

// EstimateSize returns the serialized size of tx once every input carries
// an unlocking script of unlockSize(i) bytes.
func EstimateSize(tx *wire.MsgTx, unlockSize func(i int) int) int {
	size := tx.SerializeSizeStripped()
	for i, in := range tx.TxIn {
		want := unlockSize(i)
		have := len(in.SignatureScript)
		size += want - have
		size += wire.VarIntSerializeSize(uint64(want)) - wire.VarIntSerializeSize(uint64(have))
	}
	return size
}

// Fee returns the fee for size bytes at feePerKb satoshis per kilobyte,
// rounded up and never below one satoshi.
func Fee(size int, feePerKb int64) int64 {
	fee := (int64(size)*feePerKb + 999) / 1000
	if fee < 1 {
		fee = 1
	}
	return fee
}

// SerializeTx encodes tx without witness data.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSizeStripped())
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %v", err)
	}
	return buf.Bytes(), nil
}

// TxHex encodes tx as hex.
func TxHex(tx *wire.MsgTx) (string, error) {
	raw, err := SerializeTx(tx)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// ParseTx decodes a raw transaction.
func ParseTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %v", err)
	}
	return tx, nil
}

// ParseTxHex decodes a hex encoded raw transaction.
func ParseTxHex(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(string(bytes.TrimSpace([]byte(s))))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %v", err)
	}
	return ParseTx(raw)
}
