// Command onionrelay runs one node of the onion tunnel overlay: a relay
// listener for circuit traffic, a control-surface listener for the local
// application, and the round scheduler that drives switchover and cover
// traffic.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"onionrelay/internal/config"
	"onionrelay/internal/router"
	"onionrelay/internal/rps"
	"onionrelay/internal/scheduler"
)

func main() {
	var configFilePath string
	flag.StringVar(&configFilePath, "config", "config.conf", "path to config file")
	flag.Parse()

	var cfg config.Config
	if err := cfg.FromFile(configFilePath); err != nil {
		log.Fatalf("error loading config file: %v", err)
	}

	quit := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, shutting down", sig)
		close(quit)
	}()

	rpsClient, err := rps.Dial(cfg.PeerSourceAddr, cfg.HandshakeTimeout)
	if err != nil {
		log.Fatalf("error connecting to peer sampling service: %v", err)
	}
	defer rpsClient.Close()

	sch := scheduler.New(cfg.RoundPeriod, cfg.CoverTrafficEnabled, uint16(cfg.FrameSize), nil)
	r := router.New(&cfg, rpsClient, sch)
	sch.SetCoverSender(r.SendCover)
	go sch.Run()
	defer sch.Stop()

	errRelay := make(chan error, 1)
	go func() {
		errRelay <- r.ListenRelay(cfg.ListenAddr, quit)
	}()

	errControl := make(chan error, 1)
	go func() {
		errControl <- r.ListenControl(cfg.ControlAddr, quit)
	}()

	select {
	case err := <-errRelay:
		if err != nil {
			log.Fatalf("relay listener failed: %v", err)
		}
	case err := <-errControl:
		if err != nil {
			log.Fatalf("control listener failed: %v", err)
		}
	case <-quit:
	}
}
