package main

import (
	"os"

	"wcsign/go-backend/cmd/wcctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
