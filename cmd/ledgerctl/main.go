// Command ledgerctl is the operator CLI for the sub-ledger engine's HTTP API.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
