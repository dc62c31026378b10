package main

import "github.com/memhive/memhive/cmd/cli/cmd"

func main() {
	cmd.Execute()
}
