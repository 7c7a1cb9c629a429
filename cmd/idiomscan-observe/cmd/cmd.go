// Package cmd implements idiomscan-observe (SPEC_FULL.md §6.5): wires
// C1 -> observer + predictor over one real execution's event stream,
// persisting sinfo.db, iroot.db, memo.db, and this run's ilist.db delta.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/joeycumines/go-idiomscan/internal/cmdutil"
	"github.com/joeycumines/go-idiomscan/internal/core"
	"github.com/joeycumines/go-idiomscan/internal/events"
	"github.com/joeycumines/go-idiomscan/internal/predictor"
)

// Main parses args, runs one observe-and-predict pass over the configured
// event stream, and persists every updated database. It returns the
// process exit code: 0 on success, non-zero otherwise (SPEC_FULL.md
// §6.5).
func Main(args []string) int {
	fs := pflag.NewFlagSet("idiomscan-observe", pflag.ContinueOnError)
	knobs := cmdutil.RegisterKnobFlags(fs)
	cmdutil.RegisterLogLevelFlag(fs)
	sinfoPath, irootPath, memoPath := cmdutil.RegisterDBPathFlags(fs)
	ilistPath := fs.String("ilist-db", "ilist.db", "path to write this run's predicted-iroot-id delta")
	eventsPath := fs.String("events", "-", "path to a framed event stream, or - for stdin")

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

	eng := core.NewFromStores(cfg, log, dbs.Registry, dbs.DB, dbs.Memo)

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
			log.Warning().Log("idiomscan-observe: dispatch error")
		}
	}
	eng.Finish()

	if err := dbs.Save(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ilistFile, err := os.Create(*ilistPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer ilistFile.Close()
	if err := predictor.SaveIList(ilistFile, eng.Predictor.PredictedThisRun()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	return 0
}
