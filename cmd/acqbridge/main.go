package main

import "github.com/bryanchriswhite/AcqBridge/cmd/acqbridge/commands"

func main() {
	commands.Execute()
}
