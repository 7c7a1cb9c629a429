// Package cmd implements idiomscan-active (SPEC_FULL.md §6.5): loads the
// persisted databases, resolves a candidate iRoot (via --target-iroot or
// memo's own choice), pins the configured CPU and realtime priority band,
// and steers a supplied application event stream toward it with C8.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/joeycumines/go-idiomscan/internal/affinity"
	"github.com/joeycumines/go-idiomscan/internal/cmdutil"
	"github.com/joeycumines/go-idiomscan/internal/core"
	"github.com/joeycumines/go-idiomscan/internal/errs"
	"github.com/joeycumines/go-idiomscan/internal/events"
	"github.com/joeycumines/go-idiomscan/internal/irootdb"
)

// Main parses args, resolves one iRoot candidate, and steers the supplied
// event stream toward it. Returns the process exit code: 0 on a normal
// run, non-zero if realtime priority could not be acquired (spec.md
// §6.4) or no candidate iRoot is available to test.
func Main(args []string) int {
	fs := pflag.NewFlagSet("idiomscan-active", pflag.ContinueOnError)
	knobs := cmdutil.RegisterKnobFlags(fs)
	cmdutil.RegisterLogLevelFlag(fs)
	sinfoPath, irootPath, memoPath := cmdutil.RegisterDBPathFlags(fs)
	eventsPath := fs.String("events", "-", "path to a framed event stream, or - for stdin")
	watchBudget := fs.Uint64("watch-budget", 100_000, "bounded instruction budget for a self-watch before declaring failure")

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

	var chosenID irootdb.IRootID
	if cfg.TargetIRoot != 0 {
		chosenID = irootdb.IRootID(cfg.TargetIRoot)
	} else {
		id, ok := dbs.Memo.ChooseForTest(nil)
		if !ok {
			fmt.Fprintln(os.Stderr, "idiomscan-active: no candidate iRoot available to test")
			return 1
		}
		chosenID = id
	}

	iroot, ok := dbs.DB.FindIRoot(chosenID)
	if !ok {
		fmt.Fprintf(os.Stderr, "idiomscan-active: iRoot %d not found in iroot.db\n", chosenID)
		return 1
	}

	release, err := affinity.PinCPU(cfg.CPU)
	if err != nil {
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

	eng := core.NewFromStores(cfg, log, dbs.Registry, dbs.DB, dbs.Memo)
	eng.WithActiveScheduler(iroot, *watchBudget)

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
			log.Warning().Log("idiomscan-active: dispatch error")
		}
	}
	eng.Finish()

	if err := dbs.Save(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if !eng.Scheduler.Done() {
		log.Info().Log("idiomscan-active: run ended without exposing the target iRoot")
	}
	return 0
}
