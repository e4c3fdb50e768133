package main

import "github.com/arcward/rsvpbot/cmd"

func main() {
	cmd.Execute()
}
