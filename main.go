package main

import "github.com/endorses/lippytap/cmd"

func main() {
	cmd.Execute()
}
