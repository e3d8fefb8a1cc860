package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/btcsuite/btcd/wire"
)

var bucketPrevOuts = []byte("prevouts_by_outpoint")

// UTXOCache caches previously-seen transaction outputs keyed by outpoint,
// so the driver can recover the sender of a later transaction that spends
// one. The driver fills it with every output of each block it processes;
// outputs from blocks it never processed are not in it. Grounded on clients/go/node/store/db.go's bbolt bucket
// layout (bucketUtxo there serves the teacher's own UTXO set; here it
// serves a lookup cache only — this repo's consensus state has no UTXO
// set of its own, since ownership is tracked per name, not per coin).
type UTXOCache struct {
	db *bolt.DB
}

// OpenUTXOCache opens (creating if needed) the bbolt file under dir.
func OpenUTXOCache(dir string) (*UTXOCache, error) {
	path := filepath.Join(dir, "prevouts.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open utxo cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrevOuts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init utxo cache: %w", err)
	}
	return &UTXOCache{db: db}, nil
}

func outpointKey(txid [32]byte, vout uint32) []byte {
	key := make([]byte, 36)
	copy(key, txid[:])
	key[32] = byte(vout)
	key[33] = byte(vout >> 8)
	key[34] = byte(vout >> 16)
	key[35] = byte(vout >> 24)
	return key
}

// PrevOut implements chain.PrevOutFetcher by consulting the cache only;
// a miss is reported as not found. The driver does not fetch a missed
// output from the block source, so a transaction whose spent output is not
// cached yields no sender and is skipped.
func (c *UTXOCache) PrevOut(txid [32]byte, vout uint32) (*wire.TxOut, bool) {
	var out *wire.TxOut
	_ = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPrevOuts).Get(outpointKey(txid, vout))
		if raw == nil {
			return nil
		}
		parsed, err := decodeTxOut(raw)
		if err != nil {
			return nil
		}
		out = parsed
		return nil
	})
	return out, out != nil
}

// Put records txOut under (txid, vout) for future PrevOut lookups.
func (c *UTXOCache) Put(txid [32]byte, vout uint32, txOut *wire.TxOut) error {
	raw := encodeTxOut(txOut)
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrevOuts).Put(outpointKey(txid, vout), raw)
	})
}

// encodeTxOut/decodeTxOut store a TxOut as value(8 bytes LE) ||
// len(pkscript, 4 bytes LE) || pkscript. wire.MsgTx's own (de)serializer
// is tied to the whole-transaction varint framing, so a standalone value
// needs this narrower encoding rather than pulling in the tx-level codec
// just to round-trip one output.
func encodeTxOut(out *wire.TxOut) []byte {
	buf := make([]byte, 8+4+len(out.PkScript))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(out.Value))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(out.PkScript)))
	copy(buf[12:], out.PkScript)
	return buf
}

func decodeTxOut(raw []byte) (*wire.TxOut, error) {
	if len(raw) < 12 {
		return nil, fmt.Errorf("store: prevout record too short")
	}
	value := int64(binary.LittleEndian.Uint64(raw[0:8]))
	n := binary.LittleEndian.Uint32(raw[8:12])
	if uint32(len(raw)-12) != n {
		return nil, fmt.Errorf("store: prevout pkscript length mismatch")
	}
	script := append([]byte(nil), raw[12:]...)
	return wire.NewTxOut(value, script), nil
}

// Close releases the underlying bbolt file.
func (c *UTXOCache) Close() error { return c.db.Close() }
