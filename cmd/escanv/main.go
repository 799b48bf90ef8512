package main

import "github.com/hugh/escanv/internal/cli"

func main() {
	cli.Execute()
}
