// Command scanalign stitches line-scan strips into a composite, registers
// it against a reference design and warps the design through a
// memory-budgeted tiled engine.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
