package main

import (
	"github.com/charmbracelet/log"

	"ipguard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatal("ipguard terminated", "error", err)
	}
}
