package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"parcel-audit/cmd/parcelctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
