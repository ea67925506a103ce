package main

import "github.com/benmeehan/tunnel-agent/internal/cli"

func main() {
	cli.Execute()
}
