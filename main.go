package main

import (
	"os"

	"github.com/ratifact-dev/ratifact/cmd"
)

func main() {
	code := cmd.Execute()
	os.Exit(code)
}
