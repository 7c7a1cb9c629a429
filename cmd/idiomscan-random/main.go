// Command idiomscan-random replays an application event stream under C9's
// uniform random baseline scheduler (SPEC_FULL.md §6.5).
package main

import (
	"os"

	"github.com/joeycumines/go-idiomscan/cmd/idiomscan-random/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args[1:]))
}
