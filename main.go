package main

import "github.com/Martian-dev/inbox-sync/internal/cli"

func main() {
	cli.Execute()
}
