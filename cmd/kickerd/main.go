// cmd/kickerd/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smprather/kicker/internal/daemonrun"
)

func main() {
	fs := flag.NewFlagSet("kickerd", flag.ExitOnError)
	flags := daemonrun.Register(fs)
	fs.Parse(os.Args[1:])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	result, err := daemonrun.Run(ctx, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}

	if result.Message != "" && !(*flags.Quiet && result.ExitCode == 0) {
		fmt.Println(result.Message)
	}
	os.Exit(result.ExitCode)
}
