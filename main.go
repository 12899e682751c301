package main

import (
	"os"

	"toki/internal/toki"
)

func main() {
	os.Exit(toki.Main())
}
