// Command idiomscan-observe runs the idiom observer and predictor over
// one real execution's event stream (SPEC_FULL.md §6.5).
package main

import (
	"os"

	"github.com/joeycumines/go-idiomscan/cmd/idiomscan-observe/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args[1:]))
}
