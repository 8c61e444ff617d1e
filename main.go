package main

import (
	cmd "github.com/evermind-ai/persona-server/cmd/personad"
)

func main() {
	cmd.Execute()
}
