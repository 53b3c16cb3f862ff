package main

import (
	"github.com/daedaleanai/mlbridge/commands"
)

func main() {
	commands.Execute()
}
