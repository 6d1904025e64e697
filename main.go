package main

import (
	"os"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
