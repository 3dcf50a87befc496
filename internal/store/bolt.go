package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/state"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPools     = []byte("pools")
	bucketBlocks    = []byte("blocks")
	bucketTxRecords = []byte("tx_records")
	bucketMeta      = []byte("meta")

	allBuckets = [][]byte{bucketPools, bucketBlocks, bucketTxRecords, bucketMeta}

	metaHalted     = []byte("halted")
	metaBlockState = []byte("block_state")
)

// BoltStore keeps settlement state in a single bbolt file. bbolt allows one
// writer at a time, which serializes Update calls.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) View(fn func(Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(name []byte) (*bolt.Bucket, error) {
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	return b, nil
}

func (t *boltTx) get(bucket, key []byte, v any) (bool, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return false, err
	}
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%x: %w", bucket, key, err)
	}
	return true, nil
}

func (t *boltTx) put(bucket, key []byte, v any) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%x: %w", bucket, key, err)
	}
	return b.Put(key, raw)
}

func (t *boltTx) del(bucket, key []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func heightKey(h uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], h)
	return k[:]
}

func recordKey(txid string, confirmed bool) []byte {
	k := make([]byte, 0, len(txid)+1)
	k = append(k, txid...)
	if confirmed {
		return append(k, 0x01)
	}
	return append(k, 0x00)
}

// --- pools ---

func (t *boltTx) GetPool(address string) (*ledger.Pool, error) {
	var p ledger.Pool
	ok, err := t.get(bucketPools, []byte(address), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (t *boltTx) PutPool(pool *ledger.Pool) error {
	return t.put(bucketPools, []byte(pool.Address), pool)
}

func (t *boltTx) ListPools() ([]*ledger.Pool, error) {
	b, err := t.bucket(bucketPools)
	if err != nil {
		return nil, err
	}
	var pools []*ledger.Pool
	err = b.ForEach(func(k, v []byte) error {
		var p ledger.Pool
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decode pool %s: %w", k, err)
		}
		pools = append(pools, &p)
		return nil
	})
	return pools, err
}

// --- blocks ---

func (t *boltTx) GetBlock(height uint32) (*event.Block, error) {
	var blk event.Block
	ok, err := t.get(bucketBlocks, heightKey(height), &blk)
	if err != nil || !ok {
		return nil, err
	}
	return &blk, nil
}

func (t *boltTx) PutBlock(block event.Block) error {
	return t.put(bucketBlocks, heightKey(block.Height), block)
}

func (t *boltTx) DeleteBlock(height uint32) error {
	return t.del(bucketBlocks, heightKey(height))
}

func (t *boltTx) ListBlocks() ([]event.Block, error) {
	b, err := t.bucket(bucketBlocks)
	if err != nil {
		return nil, err
	}
	var blocks []event.Block
	err = b.ForEach(func(k, v []byte) error {
		var blk event.Block
		if err := json.Unmarshal(v, &blk); err != nil {
			return fmt.Errorf("decode block %x: %w", k, err)
		}
		blocks = append(blocks, blk)
		return nil
	})
	return blocks, err
}

func (t *boltTx) LatestBlock() (*event.Block, error) {
	b, err := t.bucket(bucketBlocks)
	if err != nil {
		return nil, err
	}
	_, v := b.Cursor().Last()
	if v == nil {
		return nil, nil
	}
	var blk event.Block
	if err := json.Unmarshal(v, &blk); err != nil {
		return nil, fmt.Errorf("decode latest block: %w", err)
	}
	return &blk, nil
}

func (t *boltTx) ClearBlocks() error {
	return t.recreate(bucketBlocks)
}

func (t *boltTx) ClearAll() error {
	for _, b := range allBuckets {
		if err := t.recreate(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) recreate(name []byte) error {
	if err := t.tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return fmt.Errorf("drop bucket %s: %w", name, err)
	}
	if _, err := t.tx.CreateBucket(name); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

// --- tx records ---

func (t *boltTx) GetTxRecord(txid string, confirmed bool) (*state.TxRecord, error) {
	var rec state.TxRecord
	ok, err := t.get(bucketTxRecords, recordKey(txid, confirmed), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (t *boltTx) PutTxRecord(record state.TxRecord) error {
	return t.put(bucketTxRecords, recordKey(record.Txid, record.Confirmed), record)
}

func (t *boltTx) DeleteTxRecord(txid string, confirmed bool) error {
	return t.del(bucketTxRecords, recordKey(txid, confirmed))
}

func (t *boltTx) ListTxRecords(confirmed bool) ([]state.TxRecord, error) {
	b, err := t.bucket(bucketTxRecords)
	if err != nil {
		return nil, err
	}
	flag := byte(0x00)
	if confirmed {
		flag = 0x01
	}
	var recs []state.TxRecord
	err = b.ForEach(func(k, v []byte) error {
		if len(k) == 0 || k[len(k)-1] != flag {
			return nil
		}
		var rec state.TxRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode tx record %x: %w", k, err)
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

// --- meta ---

func (t *boltTx) Halted() (bool, string, error) {
	var h haltState
	if _, err := t.get(bucketMeta, metaHalted, &h); err != nil {
		return false, "", err
	}
	return h.Halted, h.Reason, nil
}

func (t *boltTx) SetHalted(halted bool, reason string) error {
	if !halted {
		return t.del(bucketMeta, metaHalted)
	}
	return t.put(bucketMeta, metaHalted, haltState{Halted: true, Reason: reason})
}

func (t *boltTx) BlockState() (uint32, bool, error) {
	var bs blockState
	ok, err := t.get(bucketMeta, metaBlockState, &bs)
	if err != nil || !ok {
		return 0, false, err
	}
	return bs.BlockNumber, true, nil
}

func (t *boltTx) SetBlockState(height uint32) error {
	return t.put(bucketMeta, metaBlockState, blockState{BlockNumber: height})
}
