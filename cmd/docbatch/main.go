package main

import (
	"os"

	"github.com/ChuLiYu/docbatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
