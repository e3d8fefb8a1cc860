package chain

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ExtractPayload scans a transaction's outputs for an OP_RETURN script
// and returns the first data push that follows the OP_RETURN (spec
// §4.1/§6: "the payload is embedded in an OP_RETURN-style output"). It is
// pure and makes no judgment about the payload at all, not even whether it
// starts with the magic bytes — consensus.ParsePayload checks that and the rest.
// If more than one OP_RETURN output is present, only the first is
// considered (spec §6: "at most one name-operation per transaction").
func ExtractPayload(tx *wire.MsgTx) ([]byte, bool) {
	for _, out := range tx.TxOut {
		data, ok := opReturnData(out.PkScript)
		if !ok {
			continue
		}
		return data, true
	}
	return nil, false
}

func opReturnData(pkScript []byte) ([]byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	return tokenizer.Data(), true
}

// BuildOpReturnScript wraps payload in a standard OP_RETURN output script,
// the inverse of ExtractPayload — used by the constructor (C6) when
// embedding an operation in a new transaction.
func BuildOpReturnScript(payload []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
}
