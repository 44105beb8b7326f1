// gofpr -- Fast Peer Router simulator daemon.
//
// Runs a set of FPR devices (hosts, clients, extenders) over an
// in-memory radio medium, exposing Prometheus metrics and a read-only
// introspection API.
package main

import "github.com/repvi/fpr/cmd/gofpr/commands"

func main() {
	commands.Execute()
}
