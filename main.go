// The main package for the replychain-crawler executable.
package main

import (
	"github.com/JakeFAU/replychain-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
