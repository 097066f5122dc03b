package main

import (
	"os"

	"github.com/Hugo0713/Kunpeng-AED/cmd"
)

func main() {
	if err := cmd.RootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
