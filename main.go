// The main package for the pagemine executable.
package main

import (
	"github.com/JakeFAU/pagemine/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
