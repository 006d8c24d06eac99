package ledger

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"
)

// NetParams maps a configured network name to chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "main", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "test", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// Key is a treasury signing key together with its P2PKH address.
type Key struct {
	Private  *btcec.PrivateKey
	Address  btcutil.Address
	PkScript []byte
}

// KeyFromWIF loads a key from wallet import format.
func KeyFromWIF(wif string, params *chaincfg.Params) (*Key, error) {
	decoded, err := btcutil.DecodeWIF(strings.TrimSpace(wif))
	if err != nil {
		return nil, fmt.Errorf("failed to decode WIF: %v", err)
	}
	return newKey(decoded.PrivKey, params)
}

// KeyFromMnemonic derives the treasury key at m/0'/0 from a BIP-39 mnemonic.
func KeyFromMnemonic(mnemonic string, params *chaincfg.Params) (*Key, error) {
	seed, err := bip39.NewSeedWithErrorChecking(strings.TrimSpace(mnemonic), "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %v", err)
	}
	account, err := master.Derive(hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account key: %v", err)
	}
	child, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive treasury key: %v", err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %v", err)
	}
	return newKey(priv, params)
}

func newKey(priv *btcec.PrivateKey, params *chaincfg.Params) (*Key, error) {
	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %v", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %v", err)
	}
	return &Key{Private: priv, Address: addr, PkScript: pkScript}, nil
}
