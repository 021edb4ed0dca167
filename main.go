package main

import (
	"fmt"
	"os"

	"github.com/pmkol/packetcache/coremain"
	_ "github.com/pmkol/packetcache/plugin"
)

func main() {
	if err := coremain.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
