package main

import "github.com/marcus/shelf/cmd"

// Version is stamped by release builds: -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

func main() {
	cmd.SetVersion(cmd.ResolveVersion(Version))
	cmd.Execute()
}
