package store

import (
	"sort"
	"sync"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/state"
)

type recordKeyT struct {
	txid      string
	confirmed bool
}

type memData struct {
	pools      map[string]*ledger.Pool
	blocks     map[uint32]event.Block
	records    map[recordKeyT]state.TxRecord
	halted     *haltState
	blockState *blockState
}

func newMemData() *memData {
	return &memData{
		pools:   make(map[string]*ledger.Pool),
		blocks:  make(map[uint32]event.Block),
		records: make(map[recordKeyT]state.TxRecord),
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	for k, p := range d.pools {
		out.pools[k] = p.Clone()
	}
	for k, b := range d.blocks {
		out.blocks[k] = cloneBlock(b)
	}
	for k, r := range d.records {
		out.records[k] = r.Clone()
	}
	if d.halted != nil {
		h := *d.halted
		out.halted = &h
	}
	if d.blockState != nil {
		bs := *d.blockState
		out.blockState = &bs
	}
	return out
}

func cloneBlock(b event.Block) event.Block {
	txids := make([]string, len(b.ConfirmedTxids))
	copy(txids, b.ConfirmedTxids)
	b.ConfirmedTxids = txids
	return b
}

// MemoryStore is an in-process Store. Update works on a copy of the data
// and swaps it in only when fn succeeds.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) View(fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{data: s.data, readOnly: true})
}

func (s *MemoryStore) Update(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(&memTx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	data     *memData
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) GetPool(address string) (*ledger.Pool, error) {
	p, ok := t.data.pools[address]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (t *memTx) PutPool(pool *ledger.Pool) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.data.pools[pool.Address] = pool.Clone()
	return nil
}

func (t *memTx) ListPools() ([]*ledger.Pool, error) {
	keys := make([]string, 0, len(t.data.pools))
	for k := range t.data.pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pools := make([]*ledger.Pool, 0, len(keys))
	for _, k := range keys {
		pools = append(pools, t.data.pools[k].Clone())
	}
	return pools, nil
}

func (t *memTx) GetBlock(height uint32) (*event.Block, error) {
	b, ok := t.data.blocks[height]
	if !ok {
		return nil, nil
	}
	b = cloneBlock(b)
	return &b, nil
}

func (t *memTx) PutBlock(block event.Block) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.data.blocks[block.Height] = cloneBlock(block)
	return nil
}

func (t *memTx) DeleteBlock(height uint32) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.data.blocks, height)
	return nil
}

func (t *memTx) heights() []uint32 {
	hs := make([]uint32, 0, len(t.data.blocks))
	for h := range t.data.blocks {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

func (t *memTx) ListBlocks() ([]event.Block, error) {
	hs := t.heights()
	blocks := make([]event.Block, 0, len(hs))
	for _, h := range hs {
		blocks = append(blocks, cloneBlock(t.data.blocks[h]))
	}
	return blocks, nil
}

func (t *memTx) LatestBlock() (*event.Block, error) {
	hs := t.heights()
	if len(hs) == 0 {
		return nil, nil
	}
	b := cloneBlock(t.data.blocks[hs[len(hs)-1]])
	return &b, nil
}

func (t *memTx) ClearBlocks() error {
	if err := t.writable(); err != nil {
		return err
	}
	t.data.blocks = make(map[uint32]event.Block)
	return nil
}

func (t *memTx) ClearAll() error {
	if err := t.writable(); err != nil {
		return err
	}
	*t.data = *newMemData()
	return nil
}

func (t *memTx) GetTxRecord(txid string, confirmed bool) (*state.TxRecord, error) {
	r, ok := t.data.records[recordKeyT{txid, confirmed}]
	if !ok {
		return nil, nil
	}
	r = r.Clone()
	return &r, nil
}

func (t *memTx) PutTxRecord(record state.TxRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.data.records[recordKeyT{record.Txid, record.Confirmed}] = record.Clone()
	return nil
}

func (t *memTx) DeleteTxRecord(txid string, confirmed bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.data.records, recordKeyT{txid, confirmed})
	return nil
}

func (t *memTx) ListTxRecords(confirmed bool) ([]state.TxRecord, error) {
	var recs []state.TxRecord
	for k, r := range t.data.records {
		if k.confirmed == confirmed {
			recs = append(recs, r.Clone())
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Txid < recs[j].Txid })
	return recs, nil
}

func (t *memTx) Halted() (bool, string, error) {
	if t.data.halted == nil {
		return false, "", nil
	}
	return t.data.halted.Halted, t.data.halted.Reason, nil
}

func (t *memTx) SetHalted(halted bool, reason string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if !halted {
		t.data.halted = nil
		return nil
	}
	t.data.halted = &haltState{Halted: true, Reason: reason}
	return nil
}

func (t *memTx) BlockState() (uint32, bool, error) {
	if t.data.blockState == nil {
		return 0, false, nil
	}
	return t.data.blockState.BlockNumber, true, nil
}

func (t *memTx) SetBlockState(height uint32) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.data.blockState = &blockState{BlockNumber: height}
	return nil
}
