package vm

import (
	"encoding/json"
	"os"
	"time"

	"vmcore/kernel"
)

// Priority selects how far a caller may dip into the page and memory
// reserves.
type Priority uint8

// Reservation priorities ordered by increasing privilege.
const (
	PriorityUser Priority = iota
	PrioritySystem
	PriorityVIP

	PriorityCount
)

// String implements fmt.Stringer for Priority.
func (p Priority) String() string {
	switch p {
	case PriorityUser:
		return "user"
	case PrioritySystem:
		return "system"
	case PriorityVIP:
		return "vip"
	default:
		return "unknown"
	}
}

// Duration is a time.Duration that is encoded in JSON as a string such as
// "500ms".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Both duration strings and plain
// nanosecond counts are accepted.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}

	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

// Config holds the tuning parameters of the page reclamation machinery.
type Config struct {
	// Usage counter bounds and steps used by the page daemon.
	PageUsageMax     int32 `json:"page_usage_max"`
	PageUsageAdvance int32 `json:"page_usage_advance"`
	PageUsageDecline int32 `json:"page_usage_decline"`

	// Pages that a reservation of the given priority must leave untouched.
	// Higher priorities must not have larger floors.
	PageReserveForPriority [PriorityCount]uint32 `json:"page_reserve_for_priority"`

	// Bytes of committable memory that a commitment of the given priority
	// must leave untouched.
	MemoryReserveForPriority [PriorityCount]uint64 `json:"memory_reserve_for_priority"`

	// Number of free pages the daemon keeps around. Computed from the page
	// count when zero.
	FreePagesTarget uint32 `json:"free_pages_target"`

	// Free plus cached pages below which the daemon pages actively.
	// Computed from FreePagesTarget when zero.
	FreeOrCachedPagesTarget uint32 `json:"free_or_cached_pages_target"`

	// Informational inactive queue target. Computed when zero.
	InactivePagesTarget uint32 `json:"inactive_pages_target"`

	IdleScanInterval     Duration `json:"idle_scan_interval"`
	BusyScanInterval     Duration `json:"busy_scan_interval"`
	IdleRunsForFullQueue uint32   `json:"idle_runs_for_full_queue"`
	MaxDespairLevel      int32    `json:"max_despair_level"`

	// Number of pages the inactive scan may send to the modified queue per
	// run at low (<= 1) and high despair levels.
	LowDespairFlushLimit  uint32 `json:"low_despair_flush_limit"`
	HighDespairFlushLimit uint32 `json:"high_despair_flush_limit"`

	WriterBatchSize           uint32   `json:"writer_batch_size"`
	WriterMaxVecs             int      `json:"writer_max_vecs"`
	WriterWaitInterval        Duration `json:"writer_wait_interval"`
	WriterBackoffInterval     Duration `json:"writer_backoff_interval"`
	WriterMinIOPriority       int32    `json:"writer_min_io_priority"`
	WriterMaxIOPriority       int32    `json:"writer_max_io_priority"`
	WriterIOPriorityThreshold uint32   `json:"writer_io_priority_threshold"`

	ScrubInterval  Duration `json:"scrub_interval"`
	ScrubBatchSize uint32   `json:"scrub_batch_size"`

	// Time a cache commitment may wait for memory to be released.
	CommitTimeout Duration `json:"commit_timeout"`

	// Record the allocation site of every allocated page.
	TrackAllocations bool `json:"track_allocations"`

	// Upper bound on the number of managed page frames; frames beyond it
	// are ignored. Zero means no limit.
	MaxPhysicalPages uint64 `json:"max_physical_pages"`
}

// DefaultConfig returns the default tuning parameters.
func DefaultConfig() Config {
	return Config{
		PageUsageMax:     64,
		PageUsageAdvance: 3,
		PageUsageDecline: 1,

		PageReserveForPriority:   [PriorityCount]uint32{32, 8, 0},
		MemoryReserveForPriority: [PriorityCount]uint64{16 << 20, 4 << 20, 0},

		IdleScanInterval:     Duration(time.Second),
		BusyScanInterval:     Duration(500 * time.Millisecond),
		IdleRunsForFullQueue: 20,
		MaxDespairLevel:      3,

		LowDespairFlushLimit:  32,
		HighDespairFlushLimit: 10000,

		WriterBatchSize:           256,
		WriterMaxVecs:             32,
		WriterWaitInterval:        Duration(3 * time.Second),
		WriterBackoffInterval:     Duration(500 * time.Millisecond),
		WriterMinIOPriority:       1,
		WriterMaxIOPriority:       20,
		WriterIOPriorityThreshold: 10000,

		ScrubInterval:  Duration(100 * time.Millisecond),
		ScrubBatchSize: 16,

		CommitTimeout: Duration(time.Second),
	}
}

// LoadConfig decodes a JSON file on top of DefaultConfig and validates the
// result.
func LoadConfig(path string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, kernel.Wrap("vm", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, kernel.Wrap("vm", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() *kernel.Error {
	switch {
	case c.PageUsageMax <= 0, c.PageUsageAdvance <= 0, c.PageUsageDecline <= 0:
		return ErrInvalidConfig
	case c.IdleRunsForFullQueue == 0, c.MaxDespairLevel <= 0:
		return ErrInvalidConfig
	case c.WriterBatchSize == 0, c.WriterMaxVecs <= 0, c.ScrubBatchSize == 0:
		return ErrInvalidConfig
	case c.WriterMinIOPriority > c.WriterMaxIOPriority, c.WriterIOPriorityThreshold == 0:
		return ErrInvalidConfig
	}

	for p := PriorityUser + 1; p < PriorityCount; p++ {
		if c.PageReserveForPriority[p] > c.PageReserveForPriority[p-1] ||
			c.MemoryReserveForPriority[p] > c.MemoryReserveForPriority[p-1] {
			return ErrInvalidConfig
		}
	}

	return nil
}

// computeTargets fills in the page targets that were left unset.
func (c *Config) computeTargets(managedPages uint64) {
	if c.FreePagesTarget == 0 {
		extra := managedPages / 1024
		if extra < 32 {
			extra = 32
		}
		c.FreePagesTarget = c.PageReserveForPriority[PriorityUser] + uint32(extra)
	}

	if c.FreeOrCachedPagesTarget == 0 {
		c.FreeOrCachedPagesTarget = 2 * c.FreePagesTarget
	}

	if c.InactivePagesTarget == 0 {
		c.InactivePagesTarget = c.FreePagesTarget / 3
	}
}
