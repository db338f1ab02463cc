// Command zllctl is an interactive console for a running zll-bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "Bridge API base URL")
	apiKey := flag.String("api-key", os.Getenv("ZLL_API_KEY"), "API key (X-API-Key), defaults to $ZLL_API_KEY")
	events := flag.Bool("events", false, "Print bridge events while the console runs")
	flag.Parse()

	client := NewClient(*addr, *apiKey)
	console, err := NewConsole(client)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if *events {
		go func() {
			err := client.Watch(ctx, func(ev Event) {
				fmt.Fprintln(console.Stdout(), formatEvent(ev))
			})
			if err != nil {
				fmt.Fprintf(console.Stdout(), "event stream closed: %v\n", err)
			}
		}()
	}

	console.Run(ctx)
}
