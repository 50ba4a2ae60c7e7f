package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"aetherlive/internal/client/session"
	"aetherlive/internal/core/domain"
	"aetherlive/pkg/config"
	"aetherlive/pkg/logger"

	"go.uber.org/zap"
)

// Headless studio host: registers a room on the discovery channel,
// keeps a relay connection open, and pipes raw encoded media from
// stdin to the relay while live. Useful for soak testing a relay
// deployment without a browser.
func main() {
	var (
		roomFlag  = flag.String("room", "", "room code (generated when empty)")
		keyFlag   = flag.String("key", "", "stream key for the derived ingest URL")
		destsFlag = flag.String("destinations", "", "comma-separated extra RTMP destinations")
		tokenFlag = flag.String("token", "", "relay auth token")
	)
	flag.Parse()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/aetherlive/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	roomCode := domain.RoomCode(*roomFlag)
	if roomCode == "" {
		roomCode, err = domain.GenerateRoomCode()
		if err != nil {
			log.Fatalw("failed to generate room code", "error", err)
		}
		log.Infow("generated room code", "code", roomCode)
	}

	var destinations []string
	if *destsFlag != "" {
		destinations = strings.Split(*destsFlag, ",")
	}

	controller := session.NewController(cfg, roomCode, *tokenFlag, func(code string) {
		log.Infow("room code rotated", "code", code)
	}, zapLogger)
	defer controller.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		log.Fatalw("failed to start session", "error", err)
	}
	log.Infow("session online", "room", controller.RoomCode())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *keyFlag != "" || len(destinations) > 0 {
		// Wait until the relay connection is up before going live.
		for status := range controller.StatusChanges() {
			if status.Relay == session.RelayOnline {
				break
			}
			if status.Cloud == session.CloudOffline {
				log.Fatal("discovery channel offline, cannot go live")
			}
		}

		if err := controller.GoLive(*keyFlag, destinations); err != nil {
			log.Fatalw("failed to go live", "error", err)
		}
		log.Info("went live, feeding media from stdin")

		go feedFromStdin(controller, log)
	}

	sig := <-sigChan
	log.Infow("shutting down", "signal", sig)

	if err := controller.StopLive(); err != nil {
		log.Debugw("stop-stream not delivered", "error", err)
	}
	controller.Close()
}

func feedFromStdin(controller *session.Controller, log *zap.SugaredLogger) {
	buf := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if !controller.SendChunk(buf[:n]) {
				log.Warnw("chunk dropped under backpressure")
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Warnw("stdin read failed", "error", err)
			return
		}
	}
}
