// The main package for the playbook-crawler executable.
package main

import (
	"github.com/JakeFAU/playbook-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
