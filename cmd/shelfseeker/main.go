package main

import (
	"shelfseeker/cmd/shelfseeker/cmd"
	"shelfseeker/internal/api"
)

func main() {
	// Flush and close API log files on exit
	defer api.CloseAllLoggingTransports()

	cmd.Execute()
}
