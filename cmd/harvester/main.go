// The main package for the harvester executable.
package main

import (
	"os"

	"github.com/JakeFAU/civic-registry-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
