package main

import (
	"os"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/chatbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
