package main

import "github.com/bryanchriswhite/framelink/cmd/framelink/commands"

func main() {
	commands.Execute()
}
