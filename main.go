package main

import "github.com/mycrl/turn-rs-sub001/internal/cli"

func main() {
	cli.Execute()
}
