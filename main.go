// shellbridge - a remote-execution session daemon that turns stateless
// SSH exec channels into persistent logical shells.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"shellbridge/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "shellbridge: %v\n", err)
		os.Exit(1)
	}
}
