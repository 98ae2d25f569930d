package main

import "chatsync/internal/cli"

// set by the release build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cli.Execute(version, commit)
}
