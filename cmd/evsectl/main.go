// evsectl watches and controls EVSEs on the local network without the
// controller daemon.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
