package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"navrelay/internal/app"
	"navrelay/pkg/systemd"
)

func main() {
	var (
		cfgPath   string
		feedPath  string
		exitOnEOF bool
	)
	flag.StringVar(&cfgPath, "config", "./navrelay.yaml", "path to config (json or yaml)")
	flag.StringVar(&feedPath, "feed", "-", `navigation feed: file path, "-" for stdin, "" for none`)
	flag.BoolVar(&exitOnEOF, "exit-on-eof", true, "stop when the feed ends")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	var feedDone <-chan struct{}
	if feedPath != "" {
		r, name, err := openFeed(feedPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal feed:", err)
			stop(a, app.StopFatalError)
			os.Exit(1)
		}
		defer r.Close()
		a.RunFeed(name, r)
		if exitOnEOF {
			feedDone = a.FeedDone()
		}
	}

	_, _ = systemd.Ready()
	_, _ = systemd.Status("relaying")

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-feedDone:
		reason = app.StopFeedEnded
	}

	_, _ = systemd.Stopping()
	stop(a, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

func openFeed(path string) (io.ReadCloser, string, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}
