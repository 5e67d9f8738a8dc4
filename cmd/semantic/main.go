// Package main is the entry point for the semantic CLI binary.
package main

import (
	"os"

	cli "duck-semantic/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
