package main

import "github.com/kiesman99/puzzle/cmd"

func main() {
	cmd.Execute()
}
