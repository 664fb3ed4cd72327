package main

import "github.com/agentworld/agentworld/cmd"

func main() {
	cmd.Execute()
}
