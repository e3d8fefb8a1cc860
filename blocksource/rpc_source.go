package blocksource

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/constructor"
)

func chainhashFromString(s string) ([32]byte, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(*h), nil
}

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

// RPCConfig is the subset of spec §6's configuration surface this source
// needs to reach the external chain's JSON-RPC interface. Grounded on
// clients/go/node/config.go's flat, validated config-struct shape.
type RPCConfig struct {
	Host         string
	User         string
	Pass         string
	DisableTLS   bool
	HTTPPostMode bool
}

// RPCSource reads blocks from a Bitcoin-like node's JSON-RPC endpoint.
// This is the pack-idiomatic way to read an external chain
// (github.com/btcsuite/btcd/rpcclient): the teacher reads blocks over its
// own P2P wire instead, but this repo treats the embedding chain as
// something it does not participate in mining or gossiping — only reads.
type RPCSource struct {
	client *rpcclient.Client
}

// NewRPCSource dials the configured node. The returned client is
// synchronous (btcd's rpcclient predates context plumbing); calls below
// respect ctx cancellation by racing the RPC call against ctx.Done.
func NewRPCSource(cfg RPCConfig) (*RPCSource, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: cfg.HTTPPostMode,
	}, nil)
	if err != nil {
		return nil, unavailable("blocksource: dialing rpc node", err)
	}
	return &RPCSource{client: client}, nil
}

func (s *RPCSource) TipHeight(ctx context.Context) (uint64, error) {
	type result struct {
		height int64
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := s.client.GetBlockCount()
		ch <- result{h, err}
	}()
	select {
	case <-ctx.Done():
		return 0, unavailable("blocksource: tip height", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return 0, unavailable("blocksource: getblockcount", r.err)
		}
		if r.height < 0 {
			return 0, malformed("blocksource: negative block count", nil)
		}
		return uint64(r.height), nil
	}
}

func (s *RPCSource) BlockAt(ctx context.Context, height uint64) (*chain.Block, error) {
	type result struct {
		block *chain.Block
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		block, err := s.fetchBlock(height)
		ch <- result{block, err}
	}()
	select {
	case <-ctx.Done():
		return nil, unavailable("blocksource: block at height", ctx.Err())
	case r := <-ch:
		return r.block, r.err
	}
}

func (s *RPCSource) fetchBlock(height uint64) (*chain.Block, error) {
	hash, err := s.client.GetBlockHash(int64(height))
	if err != nil {
		return nil, unavailable(fmt.Sprintf("blocksource: getblockhash(%d)", height), err)
	}
	msg, err := s.client.GetBlock(hash)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("blocksource: getblock(%s)", hash), err)
	}
	if msg == nil {
		return nil, malformed(fmt.Sprintf("blocksource: nil block at height %d", height), nil)
	}
	return &chain.Block{
		Height: height,
		Header: msg.Header,
		Hash:   [32]byte(*hash),
		Msg:    msg,
	}, nil
}

// Broadcast relays a raw signed transaction (as built by constructor, C6)
// to the network via the same node this source reads blocks from. The
// endpoint (C7) is the only caller — the driver never originates
// transactions, only reads them.
func (s *RPCSource) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", malformed("blocksource: decoding transaction to broadcast", err)
	}

	type result struct {
		txid string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		hash, err := s.client.SendRawTransaction(tx, false)
		if err != nil {
			ch <- result{"", err}
			return
		}
		ch <- result{hash.String(), nil}
	}()
	select {
	case <-ctx.Done():
		return "", unavailable("blocksource: broadcast", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return "", unavailable("blocksource: sendrawtransaction", r.err)
		}
		return r.txid, nil
	}
}

// UTXOsFor lists addr's currently spendable outputs via the node's wallet
// RPC, giving the constructor (C6) something to select funding from. The
// teacher has no analogue — it is its own miner and never needs to ask a
// wallet what it can spend — so this is adapted directly from
// rpcclient's standard ListUnspent surface (already a wired dependency)
// rather than from teacher code.
func (s *RPCSource) UTXOsFor(ctx context.Context, addr btcutil.Address) ([]constructor.UTXO, error) {
	type result struct {
		utxos []constructor.UTXO
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		unspent, err := s.client.ListUnspentMinMaxAddresses(1, 9999999, []btcutil.Address{addr})
		if err != nil {
			ch <- result{nil, err}
			return
		}
		out := make([]constructor.UTXO, 0, len(unspent))
		for _, u := range unspent {
			txidBytes, err := chainhashFromString(u.TxID)
			if err != nil {
				continue
			}
			pkScript, err := hexDecode(u.ScriptPubKey)
			if err != nil {
				continue
			}
			out = append(out, constructor.UTXO{
				TxID:     txidBytes,
				Vout:     u.Vout,
				Value:    int64(u.Amount * 1e8),
				PkScript: pkScript,
			})
		}
		ch <- result{out, nil}
	}()
	select {
	case <-ctx.Done():
		return nil, unavailable("blocksource: listunspent", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, unavailable("blocksource: listunspent", r.err)
		}
		return r.utxos, nil
	}
}

// Close releases the underlying RPC connection.
func (s *RPCSource) Close() { s.client.Shutdown() }
