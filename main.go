// The main package for the resale-search-gateway executable.
package main

import (
	"github.com/JakeFAU/resale-search-gateway/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
