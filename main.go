package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fzft/go-nioendpoint/cmd"
	"github.com/fzft/go-nioendpoint/log"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

func main() {
	opts, err := loadOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := log.InitLogger(opts.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()
	log.Logger.Info("starting", zap.String("version", versionString()))

	s := NewServer(opts)
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		if err := s.Run(); err != nil {
			log.Logger.Error("server stopped with error", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := s.Start(); err != nil {
		os.Exit(1)
	}
	console := cmd.NewConsole(s.Endpoint(), s.Stop, versionString())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-signals:
			log.Logger.Info("signal received", zap.Stringer("signal", sig))
			console.Close()
			if err := s.Stop(); err != nil {
				log.Logger.Error("shutdown failed", zap.Error(err))
			}
			log.Sync()
			os.Exit(0)
		case <-s.Done():
		}
	}()

	if err := console.Run(); err != nil {
		log.Logger.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
