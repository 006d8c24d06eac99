package ledger

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrNoDataOutput is returned when a transaction carries no data output.
var ErrNoDataOutput = errors.New("transaction has no data output")

// DataScript builds an unspendable OP_FALSE OP_RETURN output script
// carrying data.
func DataScript(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data payload")
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_FALSE).
		AddOp(txscript.OP_RETURN).
		AddData(data).
		Script()
}

// dataPayload returns the part of script after its data carrier prefix.
// Both OP_FALSE OP_RETURN and the older bare OP_RETURN form are accepted.
func dataPayload(script []byte) ([]byte, bool) {
	switch {
	case len(script) >= 2 && script[0] == txscript.OP_FALSE && script[1] == txscript.OP_RETURN:
		return script[2:], true
	case len(script) >= 1 && script[0] == txscript.OP_RETURN:
		return script[1:], true
	}
	return nil, false
}

// ExtractData returns the first push of the first data output of tx.
func ExtractData(tx *wire.MsgTx) ([]byte, error) {
	for _, out := range tx.TxOut {
		payload, ok := dataPayload(out.PkScript)
		if !ok {
			continue
		}
		pushes, err := txscript.PushedData(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse data output: %v", err)
		}
		if len(pushes) == 0 {
			return nil, ErrNoDataOutput
		}
		return pushes[0], nil
	}
	return nil, ErrNoDataOutput
}
