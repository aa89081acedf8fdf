// The main package for the trf5-crawler executable.
package main

import (
	"github.com/JakeFAU/trf5-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
