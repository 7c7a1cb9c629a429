// Package cmd implements idiomscan-pct (SPEC_FULL.md §6.5): replays an
// application event stream under C9's PCT (priority-change-at-random-
// points) scheduler, scaling its change-point range from history.db and
// updating it afterward.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/spf13/pflag"

	"github.com/joeycumines/go-idiomscan/internal/affinity"
	"github.com/joeycumines/go-idiomscan/internal/auxsched"
	"github.com/joeycumines/go-idiomscan/internal/cmdutil"
	"github.com/joeycumines/go-idiomscan/internal/core"
	"github.com/joeycumines/go-idiomscan/internal/errs"
	"github.com/joeycumines/go-idiomscan/internal/events"
)

// Main parses args, runs one pass under the PCT scheduler, and persists
// every updated database including history.db's sample log. It returns
// the process exit code: 0 on success, non-zero if CPU pinning or
// realtime priority acquisition is denied (spec.md §6.4), or otherwise.
func Main(args []string) int {
	fs := pflag.NewFlagSet("idiomscan-pct", pflag.ContinueOnError)
	knobs := cmdutil.RegisterKnobFlags(fs)
	cmdutil.RegisterLogLevelFlag(fs)
	sinfoPath, irootPath, memoPath := cmdutil.RegisterDBPathFlags(fs)
	historyPath := fs.String("history-db", "history.db", "path to the prior-run shape history")
	eventsPath := fs.String("events", "-", "path to a framed event stream, or - for stdin")
	numChangePoints := fs.Int("change-points", 8, "number of change points, \"d\" in spec.md §4.10")
	seed := fs.Int64("seed", 0, "PRNG seed (0: derive from the process id)")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := cmdutil.Logger(fs)

	cfg, err := knobs.Resolve()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	dbs, err := cmdutil.OpenDatabases(*sinfoPath, *irootPath, *memoPath, cfg.TotalFailedLimit, cfg.FailedLimit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	hist, err := cmdutil.OpenHistory(*historyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if release, err := affinity.PinCPU(cfg.CPU); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errs.ErrCPUPinDenied) {
			return 1
		}
	} else {
		defer release()
	}

	if err := affinity.AcquireRealtimePriority(cfg.HighestRealtimePriority); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errs.ErrRealtimePriorityDenied) {
			return 1
		}
	}

	s := *seed
	if s == 0 {
		s = int64(os.Getpid())
	}
	rng := rand.New(rand.NewSource(s))

	eng := core.NewFromStores(cfg, log, dbs.Registry, dbs.DB, dbs.Memo)
	eng.History = hist.Estimator
	eng.WithPCTScheduler(auxsched.PCTConfig{
		NumChangePoints: *numChangePoints,
		LowestPriority:  cfg.LowestRealtimePriority,
		HighestPriority: cfg.HighestRealtimePriority,
	}, rng)

	var r io.Reader = os.Stdin
	if *eventsPath != "-" {
		f, err := os.Open(*eventsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer f.Close()
		r = f
	}

	stream := events.NewStream(r)
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := eng.Dispatch(ev); err != nil {
			log.Warning().Log("idiomscan-pct: dispatch error")
		}
	}
	eng.Finish()

	if err := dbs.Save(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := hist.Record(eng.InstCount(), eng.ThreadCount()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	return 0
}
