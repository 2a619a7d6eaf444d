// Package main provides the entry point for gokkod, the search engine daemon.
package main

import (
	"os"

	"github.com/amanmcp/gokko/cmd/gokkod/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
