package endpoint

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"virtualchain.dev/node/consensus"
	"virtualchain.dev/node/constructor"
)

// StateReader is the read-only view C7 needs of the committed state C3/C4
// own (spec §4.7: "all reads are against the committed state only"). The
// driver (C5) satisfies this directly via its own Height/NameDB/Tape
// accessors — C7 never reaches past this interface into C5's internals.
type StateReader interface {
	Height() uint64
	NameDB() *consensus.NameDB
	Tape() *consensus.Tape
}

// ChainTip reports the external chain's current height, used by getinfo
// to report indexer lag (SPEC_FULL.md §4's supplemented status field).
type ChainTip interface {
	TipHeight(ctx context.Context) (uint64, error)
}

// Broadcaster relays a signed transaction C6 built to the external chain.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
}

// UTXOProvider resolves what an address can currently spend, so C6 can
// fund a constructed transaction.
type UTXOProvider interface {
	UTXOsFor(ctx context.Context, addr btcutil.Address) ([]constructor.UTXO, error)
}

// outstandingPreorder remembers the salt and committed height a prior
// preorder call used for a name or namespace, so a later register/reveal
// call (a separate RPC round-trip, possibly from a different process) can
// reveal the matching fingerprint without the client having to echo it
// back. This is this repo's own bookkeeping — not part of consensus, and
// lost on restart, same as the original's in-process "queue of pending
// ops" (SPEC_FULL.md §4's `pending(txid)` feature).
type outstandingPreorder struct {
	salt            [3]byte
	committedHeight uint32
}

// Server is C7 plus C6: it answers read-only queries against a StateReader
// and, for the command methods, builds (via constructor.Builder) and
// broadcasts signed transactions. Grounded on
// original_source/blockstore/blockstored.py's BlockstoredRPC method table;
// framing is netstring (netstring.go), not HTTP, matching
// txjsonrpc.netstring.
type Server struct {
	state   StateReader
	tip     ChainTip
	utxos   UTXOProvider
	bcast   Broadcaster
	builder *constructor.Builder
	params  *chaincfg.Params
	log     *logrus.Entry

	degraded atomic.Bool

	mu         sync.Mutex
	pendingOps map[string]time.Time          // txid -> first-seen time
	preorders  map[string]outstandingPreorder // name or namespace -> commitment
}

// NewServer builds a Server. feeRate is satoshis/byte, forwarded to the
// constructor.
func NewServer(state StateReader, tip ChainTip, utxos UTXOProvider, bcast Broadcaster, params *chaincfg.Params, feeRate int64, log *logrus.Entry) *Server {
	return &Server{
		state:      state,
		tip:        tip,
		utxos:      utxos,
		bcast:      bcast,
		builder:    constructor.New(params, feeRate),
		params:     params,
		log:        log,
		pendingOps: map[string]time.Time{},
		preorders:  map[string]outstandingPreorder{},
	}
}

// SetDegraded switches C7 into or out of degraded mode (spec §4.8): in
// degraded mode, lookups still answer from the last good committed
// snapshot, but every constructor-dependent (write) method refuses with an
// error rather than building a transaction against state that may no
// longer be advancing.
func (s *Server) SetDegraded(v bool) { s.degraded.Store(v) }

// Degraded reports the current mode.
func (s *Server) Degraded() bool { return s.degraded.Load() }

// Serve accepts connections on lis until ctx is done, handling each one on
// its own goroutine. It returns once lis.Accept starts failing (the
// supervisor, C8, closes lis to trigger that on shutdown — see spec §4.8's
// "stops accepting new requests in C7").
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				return err
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		raw, err := readNetstring(reader)
		if err != nil {
			return
		}
		resp := s.dispatch(ctx, raw)
		out, err := json.Marshal(resp)
		if err != nil {
			out = []byte(`{"error":"internal: failed to encode response"}`)
		}
		if err := writeNetstring(conn, out); err != nil {
			return
		}
	}
}

type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func errorResponse(msg string) map[string]string { return map[string]string{"error": msg} }

func (s *Server) dispatch(ctx context.Context, raw []byte) interface{} {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse("malformed request")
	}
	handler, ok := methodTable[req.Method]
	if !ok {
		return errorResponse("unknown method: " + req.Method)
	}
	s.log.WithField("method", req.Method).Debug("endpoint: handling request")
	result, err := handler(s, ctx, req.Params)
	if err != nil {
		return errorResponse(err.Error())
	}
	return result
}

func randomSalt() ([3]byte, error) {
	var salt [3]byte
	_, err := rand.Read(salt[:])
	return salt, err
}
