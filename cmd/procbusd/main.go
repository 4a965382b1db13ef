package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/procbus/internal/host"
	"github.com/danmuck/procbus/internal/observability"
)

func main() {
	path := flag.String("config", "cmd/procbusd/config.toml", "process config path")
	flag.Parse()

	cfg, err := loadServiceConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "procbusd: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.App, cfg.Process)

	svc, err := host.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "procbusd: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "procbusd: %v\n", err)
		os.Exit(1)
	}
}
