package main

import "github.com/tanq16/mediagrab/cmd"

func main() {
	cmd.Execute()
}
