package main

import (
	"os"

	"modcd/internal/modcd"
)

func main() {
	os.Exit(modcd.Main())
}
