// Command idiomscan-active replays an application event stream while
// actively steering it toward a chosen candidate iRoot (SPEC_FULL.md §6.5).
package main

import (
	"os"

	"github.com/joeycumines/go-idiomscan/cmd/idiomscan-active/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args[1:]))
}
