package main

import "github.com/aeolun/golem/cmd/golem/cmd"

func main() {
	cmd.Execute()
}
