package main

import (
	"os"

	"github.com/soika/topicmap/cmd/topicmap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
