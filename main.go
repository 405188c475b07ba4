package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/api"
	"github.com/xiaoyuanzhu-com/claude-console/config"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/server"
)

func main() {
	cfg := config.Get()

	srv, err := server.New(&server.Config{
		Host:                cfg.Host,
		Port:                cfg.Port,
		Env:                 cfg.Env,
		DataDir:             cfg.DataDir,
		ClaudeBinary:        cfg.ClaudeBinary,
		ProjectsDir:         cfg.ProjectsDir(),
		PermissionServerURL: cfg.PermissionServerURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	// Setup API routes
	api.SetupRoutes(srv.Router(), srv)

	// Start server
	go func() {
		printNetworkAddresses(cfg.Port)

		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}

func printNetworkAddresses(port int) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					log.Info().Str("url", fmt.Sprintf("http://%s:%d", ip4.String(), port)).Msg("network")
				}
			}
		}
	}
}
