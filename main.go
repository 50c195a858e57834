package main

import "github.com/barkerhq/barker/cmd"

func main() {
	cmd.Execute()
}
