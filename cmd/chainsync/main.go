package main

import "github.com/vietddude/chainsync/internal/cli"

func main() {
	cli.Execute()
}
