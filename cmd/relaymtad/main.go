// Command relaymtad runs the outbound mail queue as a standalone daemon:
// it reads a directive-based config file, assembles a dirqueue.Storage,
// an smtptransport.Transport and a Policy into a queue.Queue, and blocks
// until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	parser "github.com/relaymta/relaymta/framework/cfgparser"
	"github.com/relaymta/relaymta/framework/log"
	"github.com/urfave/cli/v2"
)

var Version = "go-build"

func readConfig(path string) (*daemonConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("relaymtad: %w", err)
	}
	defer f.Close()

	nodes, err := parser.Read(f, path)
	if err != nil {
		return nil, fmt.Errorf("relaymtad: %w", err)
	}

	return parseConfig(nodes)
}

func runDaemon(ctx *cli.Context) error {
	cfg, err := readConfig(ctx.String("config"))
	if err != nil {
		return err
	}

	q, err := buildQueue(context.Background(), cfg)
	if err != nil {
		return err
	}

	log.DefaultLogger.Msg("queue started", "location", cfg.location, "hostname", cfg.hostname)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.DefaultLogger.Msg("shutting down, waiting for in-flight deliveries")
	return q.Close()
}

func checkConfig(ctx *cli.Context) error {
	if _, err := readConfig(ctx.String("config")); err != nil {
		return err
	}
	fmt.Println("config OK")
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "relaymtad"
	app.Usage = "durable outbound SMTP mail queue daemon"
	app.Version = Version
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "configuration file to use",
			EnvVars: []string{"RELAYMTAD_CONFIG"},
			Value:   filepath.Join(ConfigDirectory, "relaymtad.conf"),
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "start the queue daemon and block until terminated",
			Action: runDaemon,
		},
		{
			Name:   "check-config",
			Usage:  "parse and validate the configuration file, then exit",
			Action: checkConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
