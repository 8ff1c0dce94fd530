// Command corehub runs the metadata-driven data service: an HTTP API over a
// manifest of models backed by an internal relational store, with optional
// push replication to a remote target.
package main

import (
	"log"

	"github.com/metasvc/corehub/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
