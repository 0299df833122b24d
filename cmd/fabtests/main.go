// Command fabtests runs libfabric functional and performance tests. Each
// subcommand starts one side of a test: without a destination argument it
// waits for a peer, with one it connects to that peer.
package main

import (
	"os"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/fabric/libfabric"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, newLibfabricProvider))
}

func newLibfabricProvider() (fabric.Provider, error) {
	p, err := libfabric.New()
	if err != nil {
		return nil, err
	}
	return p, nil
}
