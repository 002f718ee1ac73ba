package main

import (
	"github.com/duralog/duralog/cmd/duralog/cmd"
)

func main() {
	cmd.Execute()
}
