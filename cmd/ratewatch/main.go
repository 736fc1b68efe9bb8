package main

import "coinrate-alerts/internal/cli"

func main() {
	cli.Execute()
}
