package main

import (
	"os"

	"github.com/weftlabs/weft/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
