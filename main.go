package main

import "github.com/r3e-forks/data-core/cli"

func main() {
	cli.Execute()
}
