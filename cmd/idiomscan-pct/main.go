// Command idiomscan-pct replays an application event stream under C9's
// PCT baseline scheduler (SPEC_FULL.md §6.5).
package main

import (
	"os"

	"github.com/joeycumines/go-idiomscan/cmd/idiomscan-pct/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args[1:]))
}
