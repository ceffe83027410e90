package main

import "renale/cmd"

func main() {
	cmd.Execute()
}
