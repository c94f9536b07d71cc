// Command hybridrank indexes a document collection and serves hybrid BM25 and
// embedding search over it.
package main

import (
	"os"

	"github.com/Aman-CERP/hybridrank/cmd/hybridrank/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
