package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/chunkrelay/internal/client/cli"
	"github.com/dmitrijs2005/chunkrelay/internal/client/config"
	"github.com/dmitrijs2005/chunkrelay/internal/flagx"
)

func main() {
	os.Exit(run())
}

func run() int {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := cli.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	defer app.Close()

	if err := app.Run(ctx, flagx.Positional(os.Args[1:], config.ValueFlags)); err != nil {
		log.Printf("%v", err)
		return 1
	}
	return 0
}
