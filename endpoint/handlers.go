package endpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"virtualchain.dev/node/consensus"
	"virtualchain.dev/node/constructor"
)

type handlerFunc func(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error)

// methodTable is the JSON-RPC method surface, mirroring
// BlockstoredRPC's jsonrpc_* methods one-for-one plus the supplemented
// read endpoints SPEC_FULL.md §4 adds (name_price, namespace_price,
// pending, get_consensus_at).
var methodTable = map[string]handlerFunc{
	"ping":               handlePing,
	"lookup":             handleLookup,
	"getinfo":            handleGetInfo,
	"name_price":         handleNamePrice,
	"namespace_price":    handleNamespacePrice,
	"pending":            handlePending,
	"get_consensus_at":   handleGetConsensusAt,
	"preorder":           handlePreorder,
	"register":           handleRegister,
	"renew":              handleRegister, // spec §4.3/§9: renew == register's equivalent path
	"update":             handleUpdate,
	"transfer":           handleTransfer,
	"revoke":             handleRevoke,
	"namespace_preorder": handleNamespacePreorder,
	"namespace_reveal":   handleNamespaceReveal,
	"namespace_ready":    handleNamespaceReady,
}

func paramString(params []json.RawMessage, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	var s string
	if err := json.Unmarshal(params[i], &s); err != nil {
		return "", fmt.Errorf("argument %d: %w", i, err)
	}
	return s, nil
}

func paramUint64(params []json.RawMessage, i int) (uint64, error) {
	if i >= len(params) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	var n uint64
	if err := json.Unmarshal(params[i], &n); err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return n, nil
}

func paramBool(params []json.RawMessage, i int) (bool, error) {
	if i >= len(params) {
		return false, fmt.Errorf("missing argument %d", i)
	}
	var b bool
	if err := json.Unmarshal(params[i], &b); err != nil {
		return false, fmt.Errorf("argument %d: %w", i, err)
	}
	return b, nil
}

func decodePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("malformed private key")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv == nil {
		return nil, fmt.Errorf("malformed private key")
	}
	return priv, nil
}

func handlePing(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	return map[string]string{"status": "alive"}, nil
}

func handleLookup(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	rec, ok := s.state.NameDB().Names[name]
	if !ok {
		return errorResponse("Not found"), nil
	}
	return rec, nil
}

func handleGetInfo(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	indexerHeight := s.state.Height()
	// spec §6: getinfo -> {blocks, consensus}. indexer_height/chain_tip_height
	// are returned alongside it (SPEC_FULL.md §4's additional lag fields),
	// never in place of it.
	reply := map[string]interface{}{"blocks": indexerHeight, "indexer_height": indexerHeight}
	if latest, ok := s.state.Tape().Latest(); ok {
		reply["consensus"] = hex.EncodeToString(latest.Hash[:])
	} else {
		reply["consensus"] = nil
	}
	if s.tip != nil {
		if tip, err := s.tip.TipHeight(ctx); err == nil {
			reply["chain_tip_height"] = tip
		}
	}
	reply["degraded"] = s.Degraded()
	return reply, nil
}

// nameNamespace splits "foo.id" into its namespace suffix ("id"), the way
// every name operation in this scheme is scoped.
func nameNamespace(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

func handleNamePrice(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	ns, ok := s.state.NameDB().Namespaces[nameNamespace(name)]
	if !ok {
		return errorResponse("Namespace not found"), nil
	}
	return map[string]uint64{"price": consensus.NamePrice(ns, name)}, nil
}

func handleNamespacePrice(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	namespace, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"price": consensus.NamespacePrice(namespace)}, nil
}

func handlePending(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	txid, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.pendingOps[txid]
	s.mu.Unlock()
	return map[string]bool{"pending": ok}, nil
}

func handleGetConsensusAt(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	height, err := paramUint64(params, 0)
	if err != nil {
		return nil, err
	}
	hash, ok := s.state.Tape().At(height)
	if !ok {
		return errorResponse("Consensus hash not found at that height"), nil
	}
	return map[string]string{"consensus_hash": hex.EncodeToString(hash[:])}, nil
}

// requireNotDegraded gates every constructor-dependent (write) method per
// spec §4.8: once C5 has hit a fatal error, C7 must refuse to build new
// transactions against state that can no longer be trusted to be current.
func (s *Server) requireNotDegraded() error {
	if s.Degraded() {
		return fmt.Errorf("service is in degraded mode: writes are refused")
	}
	return nil
}

// senderUTXOs derives priv's P2PKH address, the address whose spendable
// outputs fundingUTXOs then asks the configured UTXOProvider for (spec
// §4.6: "selects UTXOs from the UTXO provider"). It does not query the
// provider itself.
func (s *Server) senderUTXOs(ctx context.Context, priv *btcec.PrivateKey) ([]btcutil.Address, error) {
	hash160 := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(hash160, s.params)
	if err != nil {
		return nil, err
	}
	return []btcutil.Address{addr}, nil
}

func handlePreorder(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}

	latest, ok := s.state.Tape().Latest()
	if !ok {
		return errorResponse("Nameset snapshot not found."), nil
	}
	if _, exists := s.state.NameDB().Names[name]; exists {
		return errorResponse("Name already registered"), nil
	}

	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildPreorderTx(priv, utxos, name, salt, latest.Hash, uint32(latest.Height))
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	s.mu.Lock()
	s.preorders[name] = outstandingPreorder{salt: salt, committedHeight: uint32(latest.Height)}
	s.mu.Unlock()
	return map[string]string{"txid": txid}, nil
}

func handleRegister(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}

	s.mu.Lock()
	commitment, ok := s.preorders[name]
	s.mu.Unlock()
	if !ok {
		return errorResponse("No outstanding preorder for that name"), nil
	}

	ns := s.state.NameDB().Namespaces[nameNamespace(name)]
	creatorScript, err := s.builder.SenderScript(priv)
	if err != nil {
		return nil, err
	}
	if ns != nil && len(ns.Creator) > 0 {
		// Pay the namespace's actual creator, not the registrant.
		script, err := hash160Script(ns.Creator, s.params)
		if err != nil {
			return errorResponse(err.Error()), nil
		}
		creatorScript = script
	}

	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildRegisterTx(priv, utxos, name, commitment.salt, commitment.committedHeight, ns, creatorScript)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return map[string]string{"txid": txid}, nil
}

func handleUpdate(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	dataHashHex, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 2)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	dataHashRaw, err := hex.DecodeString(dataHashHex)
	if err != nil || len(dataHashRaw) != 10 {
		return errorResponse("data_hash must be 10 bytes hex-encoded"), nil
	}
	var dataHash [10]byte
	copy(dataHash[:], dataHashRaw)

	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildUpdateTx(priv, utxos, name, dataHash)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return map[string]string{"txid": txid}, nil
}

func handleTransfer(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	addr, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	keepData, err := paramBool(params, 2)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 3)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	destAddr, err := btcutil.DecodeAddress(addr, s.params)
	if err != nil {
		return errorResponse("malformed destination address"), nil
	}
	destScript, err := addressScript(destAddr)
	if err != nil {
		return errorResponse(err.Error()), nil
	}

	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildTransferTx(priv, utxos, name, keepData, destScript)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return map[string]string{"txid": txid}, nil
}

func handleRevoke(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildRevokeTx(priv, utxos, name)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return map[string]string{"txid": txid}, nil
}

func handleNamespacePreorder(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	namespace, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	latest, ok := s.state.Tape().Latest()
	if !ok {
		return errorResponse("Nameset snapshot not found."), nil
	}
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildNamespacePreorderTx(priv, utxos, namespace, salt, latest.Hash, uint32(latest.Height))
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	s.mu.Lock()
	s.preorders[namespace] = outstandingPreorder{salt: salt, committedHeight: uint32(latest.Height)}
	s.mu.Unlock()
	return map[string]string{"txid": txid}, nil
}

func handleNamespaceReveal(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	namespace, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	lifetime, err := paramUint64(params, 1)
	if err != nil {
		return nil, err
	}
	baseCost, err := paramUint64(params, 2)
	if err != nil {
		return nil, err
	}
	decayBP, err := paramUint64(params, 3)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 4)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}

	s.mu.Lock()
	commitment, ok := s.preorders[namespace]
	s.mu.Unlock()
	if !ok {
		return errorResponse("No outstanding preorder for that namespace"), nil
	}

	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildNamespaceRevealTx(priv, utxos, namespace, commitment.salt, commitment.committedHeight, uint16(lifetime), uint32(baseCost), uint16(decayBP))
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return map[string]string{"txid": txid}, nil
}

func handleNamespaceReady(s *Server, ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := s.requireNotDegraded(); err != nil {
		return errorResponse(err.Error()), nil
	}
	namespace, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	hexKey, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(hexKey)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	utxos, err := s.fundingUTXOs(ctx, priv)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	raw, err := s.builder.BuildNamespaceReadyTx(priv, utxos, namespace)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	txid, err := s.broadcastAndTrack(ctx, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return map[string]string{"txid": txid}, nil
}

func (s *Server) fundingUTXOs(ctx context.Context, priv *btcec.PrivateKey) ([]constructor.UTXO, error) {
	addrs, err := s.senderUTXOs(ctx, priv)
	if err != nil {
		return nil, err
	}
	if s.utxos == nil {
		return nil, fmt.Errorf("no UTXO provider configured")
	}
	return s.utxos.UTXOsFor(ctx, addrs[0])
}

func (s *Server) broadcastAndTrack(ctx context.Context, raw []byte) (string, error) {
	if s.bcast == nil {
		return "", fmt.Errorf("no broadcaster configured")
	}
	txid, err := s.bcast.Broadcast(ctx, raw)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.pendingOps[txid] = time.Now()
	s.mu.Unlock()
	return txid, nil
}

func addressScript(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}

// hash160Script turns a raw hash160 (the form NameRecord.Owner and
// NamespaceRecord.Creator store, per consensus/records.go's "opaque
// address bytes" convention) back into a standard P2PKH output script.
func hash160Script(hash160 []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressPubKeyHash(hash160, params)
	if err != nil {
		return nil, fmt.Errorf("endpoint: decoding address bytes: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}
