package main

import (
	"os"

	"github.com/flotillaproject/flotilla/cmd/flotillactl/cmd"
	"github.com/flotillaproject/flotilla/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
