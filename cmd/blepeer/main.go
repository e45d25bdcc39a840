package main

import (
	"os"

	"github.com/user/blepeer/cmd/blepeer/commands"
	"github.com/user/blepeer/logger"
)

func main() {
	err := commands.Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
