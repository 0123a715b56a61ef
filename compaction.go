package ridge

import (
	"bytes"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// compactionTask names a level merge to execute: SSTables in every
// level of Inputs are merged into a new set of SSTables at OutputLevel.
// IsLastLevel controls whether tombstones are dropped from the merged
// output.
type compactionTask struct {
	Inputs      []int
	OutputLevel int
	IsLastLevel bool
}

func (t compactionTask) describe() string {
	return fmt.Sprintf("compact levels %v into L%d (last=%v)", t.Inputs, t.OutputLevel, t.IsLastLevel)
}

// compactionStrategy picks the next task, or reports none is due.
// Selected once, at engine open.
type compactionStrategy interface {
	pickTask(idx *SSTablesIndex) (compactionTask, bool)
}

// simpleLeveledStrategy: L0 overflow or an adjacent-level size-ratio
// breach triggers a compaction of level L into L+1.
type simpleLeveledStrategy struct {
	opts SimpleLeveledCompactionOptions
}

func (s simpleLeveledStrategy) pickTask(idx *SSTablesIndex) (compactionTask, bool) {
	if len(idx.LevelSSTables(0)) > s.opts.L0FileTrigger {
		return compactionTask{Inputs: []int{0, 1}, OutputLevel: 1, IsLastLevel: s.isLast(1, idx)}, true
	}
	for level := 1; level < s.opts.MaxLevels-1 && level+1 < idx.NumLevels(); level++ {
		sizeL := levelSize(idx, level)
		sizeNext := levelSize(idx, level+1)
		if sizeNext == 0 {
			continue
		}
		ratio := float64(sizeL) / float64(sizeNext) * 100
		if ratio < float64(s.opts.SizeRatioPercent) {
			return compactionTask{Inputs: []int{level, level + 1}, OutputLevel: level + 1, IsLastLevel: s.isLast(level+1, idx)}, true
		}
	}
	return compactionTask{}, false
}

func (s simpleLeveledStrategy) isLast(level int, idx *SSTablesIndex) bool {
	for l := level + 1; l < idx.NumLevels(); l++ {
		if len(idx.LevelSSTables(l)) > 0 {
			return false
		}
	}
	return true
}

// tieredStrategy triggers on space amplification or a cumulative
// size-ratio breach across a prefix of tiers, merging that prefix into
// the next level.
type tieredStrategy struct {
	opts TieredCompactionOptions
}

func (s tieredStrategy) pickTask(idx *SSTablesIndex) (compactionTask, bool) {
	sizes := make([]int64, idx.NumLevels())
	var total int64
	lastNonEmpty := -1
	for l := 0; l < idx.NumLevels(); l++ {
		sizes[l] = levelSize(idx, l)
		total += sizes[l]
		if sizes[l] > 0 {
			lastNonEmpty = l
		}
	}
	if lastNonEmpty <= 0 {
		return compactionTask{}, false
	}
	if sizes[0] > 0 {
		amp := float64(total-sizes[lastNonEmpty]) / float64(sizes[lastNonEmpty]) * 100
		if int(amp) >= s.opts.MaxSizeAmplification {
			return s.mergePrefix(idx, lastNonEmpty), true
		}
	}
	var running int64
	for l := 0; l <= lastNonEmpty; l++ {
		running += sizes[l]
		tiersSoFar := l + 1
		if tiersSoFar < s.opts.MinLevelsTriggerRatio {
			continue
		}
		if sizes[l] == 0 {
			continue
		}
		ratio := float64(running-sizes[l]) / float64(sizes[l])
		if int(ratio) >= s.opts.SizeRatio {
			return s.mergePrefix(idx, l), true
		}
	}
	return compactionTask{}, false
}

func (s tieredStrategy) mergePrefix(idx *SSTablesIndex, upTo int) compactionTask {
	inputs := make([]int, 0, upTo+1)
	for l := 0; l <= upTo; l++ {
		inputs = append(inputs, l)
	}
	outputLevel := upTo + 1
	last := outputLevel >= idx.NumLevels()-1
	return compactionTask{Inputs: inputs, OutputLevel: outputLevel, IsLastLevel: last}
}

func levelSize(idx *SSTablesIndex, level int) int64 {
	var total int64
	for _, s := range idx.LevelSSTables(level) {
		total += s.ApproxSizeBytes()
	}
	return total
}

func newCompactionStrategy(opts Options) compactionStrategy {
	if opts.CompactionStrategy == Tiered {
		return tieredStrategy{opts: opts.Tiered}
	}
	return simpleLeveledStrategy{opts: opts.SimpleLeveled}
}

// compactionDriver runs the background compaction goroutine for one
// keyspace: wake on a fixed period, ask the strategy for a task,
// execute it under a manifest-logged operation, log failures and keep
// going.
type compactionDriver struct {
	ks         *Keyspace
	compacting atomic.Bool
	stop       chan struct{}
	done       chan struct{}
}

func newCompactionDriver(ks *Keyspace) *compactionDriver {
	return &compactionDriver{ks: ks, stop: make(chan struct{}), done: make(chan struct{})}
}

// run is the background compaction loop, launched under the Engine's
// errgroup so a fatal failure would propagate to Engine.Close's return
// value. Per-task failures are logged by tick and the loop continues,
// so an orderly Stop always returns nil.
func (d *compactionDriver) run() error {
	defer close(d.done)
	interval := d.ks.opts.compactionInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stop:
			return nil
		}
	}
}

// Stop asks the loop to exit and waits until any in-flight task
// finishes, so callers can tear down the manifest and SSTable handles
// behind it.
func (d *compactionDriver) Stop() {
	close(d.stop)
	<-d.done
}

func (d *compactionDriver) tick() {
	if !d.compacting.CompareAndSwap(false, true) {
		return
	}
	defer d.compacting.Store(false)

	task, ok := d.ks.strategy.pickTask(d.ks.sstables)
	if !ok {
		return
	}
	if err := d.execute(task); err != nil {
		log.Printf("ridge: keyspace %s compaction failed (%s): %v", d.ks.id, task.describe(), err)
	}
}

// execute merges every SSTable named by task.Inputs into new
// L(OutputLevel) SSTables, sealing a new builder whenever the
// accumulated size exceeds the SSTable size budget, filtering entries
// per MVCC visibility, and dropping tombstones when IsLastLevel.
func (d *compactionDriver) execute(task compactionTask) error {
	opID, err := d.ks.manifest.BeginOperation(task.describe())
	if err != nil {
		return err
	}

	merged, held := d.ks.sstables.ScanFromLevels(task.Inputs)
	if merged == nil {
		return d.ks.manifest.EndOperation(opID)
	}
	defer releaseAll(held)

	// The removal set is exactly the SSTables the merge read. A flush that
	// lands in L0 while this compaction runs is not part of the merge and
	// must survive it.
	heldByLevel := make(map[int][]*SSTable)
	for _, s := range held {
		heldByLevel[s.Level()] = append(heldByLevel[s.Level()], s)
	}

	// The merge reads with an unbounded snapshot: every committed version
	// is a candidate. A version is safe to drop only when a newer version
	// of the same key-bytes is visible to every active transaction, i.e.
	// that newer version's txn-id lies strictly below the oldest active
	// id.
	oldestActive, hasActive := d.ks.txnMgr.OldestActive()
	supersededBy := func(newerTxnID uint64) bool {
		if !hasActive {
			return true
		}
		return newerTxnID < oldestActive
	}

	var newSSTs []*SSTable
	var batch []blockEntry
	batchSize := int64(0)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		sst, err := d.ks.sstables.FlushToDiskAt(batch, task.OutputLevel, d.ks.opts.BlockSizeBytes, d.ks.opts.BloomFilterNEntries, d.ks.opts.NCachedBlocksPerSST)
		if err != nil {
			return err
		}
		newSSTs = append(newSSTs, sst)
		batch = nil
		batchSize = 0
		return nil
	}

	emit := func(k Key, v []byte) error {
		batch = append(batch, blockEntry{Key: k, Value: v})
		batchSize += int64(len(k.Bytes) + len(v))
		if batchSize >= d.ks.opts.SSTSizeBytes {
			return flush()
		}
		return nil
	}

	// merged yields entries ordered by (Bytes, ascending TxnID), so every
	// version of one user key arrives as a contiguous run ending in its
	// newest version.
	var runBytes []byte
	var run []blockEntry
	flushRun := func() error {
		keptOlder := false
		for i, e := range run {
			isNewest := i == len(run)-1
			if !isNewest {
				if supersededBy(run[i+1].Key.TxnID) {
					continue
				}
				keptOlder = true
				if err := emit(e.Key, e.Value); err != nil {
					return err
				}
				continue
			}
			// Dropping a last-level tombstone while an older version
			// survives would resurrect the key.
			if task.IsLastLevel && IsTombstone(e.Value) && !keptOlder {
				continue
			}
			if err := emit(e.Key, e.Value); err != nil {
				return err
			}
		}
		run = run[:0]
		return nil
	}

	for merged.Next() {
		k, v := merged.Key(), merged.Value()
		if runBytes != nil && !bytes.Equal(runBytes, k.Bytes) {
			if err := flushRun(); err != nil {
				return err
			}
		}
		runBytes = k.Bytes
		run = append(run, blockEntry{Key: k, Value: append([]byte{}, v...)})
	}
	if err := flushRun(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	var removals []levelRemoval
	for _, level := range task.Inputs {
		removals = append(removals, levelRemoval{level: level, old: heldByLevel[level]})
	}

	if err := d.ks.sstables.InstallCompacted(removals); err != nil {
		return err
	}
	if err := d.ks.manifest.LogCompaction(task.describe()); err != nil {
		return err
	}
	if err := d.ks.manifest.EndOperation(opID); err != nil {
		return err
	}
	log.Printf("ridge: keyspace %s compacted levels %v into L%d (%d sstables in, %d out)",
		d.ks.id, task.Inputs, task.OutputLevel, len(held), len(newSSTs))
	return nil
}

