package ridge

import "time"

// CompactionStrategyKind selects which compaction strategy a keyspace uses.
type CompactionStrategyKind int

const (
	SimpleLeveled CompactionStrategyKind = iota
	Tiered
)

// DurabilityLevel controls how aggressively the WAL fsyncs.
type DurabilityLevel int

const (
	// Strong fsyncs the WAL on every Set/Delete.
	Strong DurabilityLevel = iota
	// Relaxed defers fsync to the periodic sync loop.
	Relaxed
)

// SimpleLeveledCompactionOptions configures the simple-leveled
// strategy.
type SimpleLeveledCompactionOptions struct {
	L0FileTrigger    int
	SizeRatioPercent int
	MaxLevels        int
}

// TieredCompactionOptions configures the tiered strategy.
type TieredCompactionOptions struct {
	MaxSizeAmplification  int
	SizeRatio             int
	MinLevelsTriggerRatio int
}

// Options configures an Engine.
type Options struct {
	MemtableMaxSizeBytes  int64
	MaxMemtablesInactive  int
	BlockSizeBytes        int
	SSTSizeBytes          int64
	BloomFilterNEntries   int
	NCachedBlocksPerSST   int
	CompactionStrategy    CompactionStrategyKind
	SimpleLeveled         SimpleLeveledCompactionOptions
	Tiered                TieredCompactionOptions
	CompactionTaskFreqMS  int
	DurabilityLevel       DurabilityLevel
	BasePath              string
}

// DefaultOptions returns sane defaults for an embedded single-process
// deployment.
func DefaultOptions(basePath string) Options {
	return Options{
		MemtableMaxSizeBytes: 16 * 1024 * 1024,
		MaxMemtablesInactive: 4,
		BlockSizeBytes:       4096,
		SSTSizeBytes:         64 * 1024 * 1024,
		BloomFilterNEntries:  4096,
		NCachedBlocksPerSST:  256,
		CompactionStrategy:   SimpleLeveled,
		SimpleLeveled: SimpleLeveledCompactionOptions{
			L0FileTrigger:    4,
			SizeRatioPercent: 50,
			MaxLevels:        7,
		},
		Tiered: TieredCompactionOptions{
			MaxSizeAmplification:  200,
			SizeRatio:             2,
			MinLevelsTriggerRatio: 4,
		},
		CompactionTaskFreqMS: 10_000,
		DurabilityLevel:      Strong,
		BasePath:             basePath,
	}
}

func (o Options) compactionInterval() time.Duration {
	return time.Duration(o.CompactionTaskFreqMS) * time.Millisecond
}

// KeyspaceFlags is the single flag word currently defined in a keyspace
// descriptor.
type KeyspaceFlags uint64
