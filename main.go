// File: main.go
package main

import (
	"github.com/wayfindlabs/wayfind/cmd"
)

// main is the entry point for the wayfind CLI.
func main() {
	cmd.Execute()
}
