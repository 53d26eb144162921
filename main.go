// The main package for the placemerge executable.
package main

import (
	"os"

	"github.com/placemerge/placemerge/cmd"
)

// main is the entry point of the application. It defers all execution
// to the Cobra CLI.
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
