// ./main.go
package main

import (
	"github.com/xkilldash9x/foxhound-cli/cmd"
)

// main is the entry point for the foxhound CLI.
func main() {
	cmd.Execute()
}
