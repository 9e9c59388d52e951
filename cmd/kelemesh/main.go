package main

import "github.com/BlakeLiAFK/kelemesh/internal/cli"

func main() {
	cli.Execute()
}
