package main

import (
	"confidential-settlement/internal/cli"
)

func main() {
	cli.Execute()
}
