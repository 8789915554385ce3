// Command bittorrent downloads and seeds one or more torrents given as
// metainfo file paths, optionally under a chosen destination directory.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bitTorrent/coordinator"
	"bitTorrent/ctrl"
	"bitTorrent/metainfo"
	"bitTorrent/seed"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("bittorrent", flag.ContinueOnError)
	destination := fs.String("d", ".", "destination directory for downloaded content")
	fs.StringVar(destination, "destination", ".", "destination directory for downloaded content (alias of -d)")
	port := fs.Uint("port", seed.DefaultPort, "TCP port to listen for inbound peer connections on")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sources := fs.Args()
	if len(sources) == 0 {
		fmt.Fprintln(os.Stderr, "usage: bittorrent <source>... [-d|--destination <dir>]")
		return 2
	}

	configureLogging()

	peerID, err := metainfo.GeneratePeerID()
	if err != nil {
		logrus.WithError(err).Error("generate peer id")
		return 1
	}

	listener, err := seed.Listen(fmt.Sprintf(":%d", *port), peerID)
	if err != nil {
		logrus.WithError(err).Error("start seeder listener")
		return 1
	}
	defer listener.Close()

	shared := ctrl.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Serve(ctx, shared)
	go runControlLoop(shared)

	coords := make([]*coordinator.Coordinator, 0, len(sources))
	for _, src := range sources {
		raw, err := os.ReadFile(src)
		if err != nil {
			logrus.WithField("source", src).WithError(err).Error("read torrent file")
			return 1
		}
		c, err := coordinator.Open(raw, *destination, peerID, uint16(*port), listener, shared)
		if err != nil {
			logrus.WithField("source", src).WithError(err).Error("open torrent")
			return 1
		}
		coords = append(coords, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range coords {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("coordinator exited with error")
		return 1
	}
	return 0
}

// runControlLoop reads single-key commands from stdin and drives the
// shared control state until stdin closes: p pauses, r resumes, q
// requests a stop.
func runControlLoop(state *ctrl.State) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch scanner.Text() {
		case "p":
			state.Pause()
			color.Yellow("paused")
		case "r":
			state.Resume()
			color.Green("resumed")
		case "q":
			color.Red("stopping")
			state.Stop()
			return
		}
	}
}

func configureLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	f, err := os.OpenFile("bittorrent.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.WithError(err).Warn("could not open log file, logging to stderr only")
		return
	}
	logrus.SetOutput(f)
}
