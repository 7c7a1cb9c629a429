// Package cmdutil is the shared flag-and-file wiring the four cmd/
// binaries build on: registering spec.md §6.3's knobs as pflag flags,
// opening the persisted databases named in spec.md §6.2, and translating
// a resolved logging.Level into a logiface logger. Kept separate from
// internal/config so that package stays free of pflag and os, matching
// the corpus's practice of keeping library packages free of CLI/IO
// concerns and pushing them to the edge.
package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/joeycumines/go-idiomscan/internal/config"
	"github.com/joeycumines/go-idiomscan/internal/errs"
	"github.com/joeycumines/go-idiomscan/internal/history"
	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/logging"
	"github.com/joeycumines/go-idiomscan/internal/memo"
	"github.com/joeycumines/go-idiomscan/internal/sinfo"
)

// Knobs bundles the pflag-backed values every binary exposes, per spec.md
// §6.3; RegisterKnobFlags wires these onto fs and Resolve turns them into
// a *config.Knobs after fs.Parse has run.
type Knobs struct {
	UnitSize                int
	VW                      int
	SyncOnly                bool
	ComplexIdioms           bool
	SingleVarIdioms         bool
	RacyOnly                bool
	PredictDeadlock         bool
	IgnoreLib               bool
	TargetIRoot             uint64
	LowestRealtimePriority  int
	HighestRealtimePriority int
	CPU                     int
}

// RegisterKnobFlags adds every spec.md §6.3 knob to fs using its
// `--knob-name=value` spelling (spec.md §6.4) and returns the struct the
// parsed values land in.
func RegisterKnobFlags(fs *pflag.FlagSet) *Knobs {
	k := &Knobs{}
	fs.IntVar(&k.UnitSize, "unit-size", 4, "memory access granularity, in bytes")
	fs.IntVar(&k.VW, "vw", 1000, "vulnerability window, in instructions")
	fs.BoolVar(&k.SyncOnly, "sync-only", false, "limit analysis to synchronization events")
	fs.BoolVar(&k.ComplexIdioms, "complex-idioms", true, "enable idioms 2-5")
	fs.BoolVar(&k.SingleVarIdioms, "single-var-idioms", false, "skip idioms 4 and 5")
	fs.BoolVar(&k.RacyOnly, "racy-only", false, "drop pairs already established as race-free")
	fs.BoolVar(&k.PredictDeadlock, "predict-deadlock", false, "emit deadlock-shaped idiom-5 candidates")
	fs.BoolVar(&k.IgnoreLib, "ignore-lib", false, "drop accesses from libc/libstdc++/ld-linux")
	fs.Uint64Var(&k.TargetIRoot, "target-iroot", 0, "test only this iRoot id (0: let memo choose)")
	fs.IntVar(&k.LowestRealtimePriority, "lowest-realtime-priority", 1, "lowest realtime priority band")
	fs.IntVar(&k.HighestRealtimePriority, "highest-realtime-priority", 99, "highest realtime priority band")
	fs.IntVar(&k.CPU, "cpu", 0, "cpu index to pin on")
	return k
}

// Resolve turns parsed flag values into a *config.Knobs.
func (k *Knobs) Resolve() (*config.Knobs, error) {
	return config.Resolve(
		config.WithUnitSize(k.UnitSize),
		config.WithVulnerabilityWindow(k.VW),
		config.WithSyncOnly(k.SyncOnly),
		config.WithComplexIdioms(k.ComplexIdioms),
		config.WithSingleVarIdioms(k.SingleVarIdioms),
		config.WithRacyOnly(k.RacyOnly),
		config.WithPredictDeadlock(k.PredictDeadlock),
		config.WithIgnoreLib(k.IgnoreLib),
		config.WithTargetIRoot(k.TargetIRoot),
		config.WithRealtimePriorityRange(k.LowestRealtimePriority, k.HighestRealtimePriority),
		config.WithCPU(k.CPU),
	)
}

// Logger builds a stderr logger from a --log-level flag value, defaulting
// to "info".
func Logger(fs *pflag.FlagSet) *logging.Logger {
	level, _ := fs.GetString("log-level")
	switch level {
	case "debug":
		return logging.Stderr(logging.LevelDebug)
	case "warn":
		return logging.Stderr(logging.LevelWarn)
	case "error":
		return logging.Stderr(logging.LevelError)
	default:
		return logging.Stderr(logging.LevelInfo)
	}
}

// RegisterLogLevelFlag adds the --log-level flag Logger reads.
func RegisterLogLevelFlag(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "one of debug, info, warn, error")
}

// Databases bundles the three analysis-time persisted stores spec.md
// §6.2 names (history.db is handled separately via OpenHistory/History.Record,
// since only the schedulers touch it, and it persists a raw sample list
// rather than store state).
type Databases struct {
	SinfoPath string
	IrootPath string
	MemoPath  string

	Registry *sinfo.Registry
	DB       *irootdb.DB
	Memo     *memo.Store
}

// RegisterDBPathFlags adds --sinfo-db/--iroot-db/--memo-db, defaulting to
// the file names spec.md §6.2 gives each database.
func RegisterDBPathFlags(fs *pflag.FlagSet) (sinfoPath, irootPath, memoPath *string) {
	sinfoPath = fs.String("sinfo-db", "sinfo.db", "path to the image/instruction database")
	irootPath = fs.String("iroot-db", "iroot.db", "path to the event/iRoot database")
	memoPath = fs.String("memo-db", "memo.db", "path to the per-iRoot memo database")
	return
}

// OpenDatabases loads sinfo.db/iroot.db/memo.db if present, or starts from
// empty stores if this is the first run (spec.md §4.3's "absent files
// start a fresh analysis").
func OpenDatabases(sinfoPath, irootPath, memoPath string, totalFailedLimit, failedLimit int) (*Databases, error) {
	reg := sinfo.New()
	if err := loadIfExists(sinfoPath, reg.Load); err != nil {
		return nil, fmt.Errorf("idiomscan: loading %s: %w", sinfoPath, err)
	}

	db := irootdb.New()
	if err := loadIfExists(irootPath, db.Load); err != nil {
		return nil, fmt.Errorf("idiomscan: loading %s: %w", irootPath, err)
	}

	m := memo.New(db, totalFailedLimit, failedLimit)
	if err := loadIfExists(memoPath, m.Load); err != nil {
		return nil, fmt.Errorf("idiomscan: loading %s: %w", memoPath, err)
	}

	return &Databases{SinfoPath: sinfoPath, IrootPath: irootPath, MemoPath: memoPath, Registry: reg, DB: db, Memo: m}, nil
}

// Save persists every database back to its configured path.
func (d *Databases) Save() error {
	if err := saveTo(d.SinfoPath, d.Registry.Save); err != nil {
		return err
	}
	if err := saveTo(d.IrootPath, d.DB.Save); err != nil {
		return err
	}
	if err := saveTo(d.MemoPath, d.Memo.Save); err != nil {
		return err
	}
	return nil
}

func loadIfExists(path string, load func(r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return load(f)
}

func saveTo(path string, save func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return &errs.DBError{Path: path, Kind: errs.ErrInvalidDBPath, Err: err}
	}
	defer f.Close()
	if err := save(f); err != nil {
		return err
	}
	return f.Close()
}

// History bundles the raw sample list loaded from history.db with the
// live estimator folded from it, since the persisted form is the replay
// log rather than the P² markers themselves (internal/history/persist.go).
type History struct {
	Path     string
	Samples  []history.Sample
	Estimator *history.Estimator
}

// OpenHistory loads history.db if present, or starts from an empty
// sample list otherwise.
func OpenHistory(path string) (*History, error) {
	var samples []history.Sample
	err := loadIfExists(path, func(r io.Reader) error {
		s, err := history.Load(r)
		if err != nil {
			return err
		}
		samples = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("idiomscan: loading %s: %w", path, err)
	}

	est := history.New()
	for _, s := range samples {
		est.Observe(s)
	}
	return &History{Path: path, Samples: samples, Estimator: est}, nil
}

// Record appends this run's (instCount, threadCount) shape and persists
// the full sample list back to h.Path (spec.md §4.10's "update a
// persisted history").
func (h *History) Record(instCount uint64, threadCount int) error {
	h.Samples = append(h.Samples, history.Sample{InstCount: instCount, ThreadCount: threadCount})
	return saveTo(h.Path, func(w io.Writer) error { return history.Save(w, h.Samples) })
}
