// Package main is the hel binary's entrypoint.
package main

import (
	"github.com/JakeFAU/hel/cmd"
)

func main() {
	cmd.Execute()
}
