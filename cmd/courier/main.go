package main

import (
	"github.com/courier-mta/courier/cmd/courier/commands"
)

func main() {
	commands.Execute()
}
