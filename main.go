// The main package for the harvester executable.
package main

import (
	"github.com/siteharvest/harvester/cmd"
)

func main() {
	cmd.Execute()
}
