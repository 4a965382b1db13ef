package main

import (
	"flag"
	"log"

	"github.com/danmuck/procbus/internal/config"
)

const defaultPath = "cmd/procbusd/config.toml"

func main() {
	kind := flag.String("kind", "main", "template kind: main|process")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to "+defaultPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		cfg, err := config.LoadNodeConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config for %s (main=%v, peers=%d) at %s", cfg.Process, cfg.IsMain(), len(cfg.Peers), path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
