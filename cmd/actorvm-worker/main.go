package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/actorvm/internal/config"
	"github.com/yuuki/actorvm/internal/worker"
)

const version = "0.1.0"

func main() {
	flagSet := pflag.NewFlagSet("actorvm-worker", pflag.ExitOnError)
	config.SetupWorkerFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if showVersion, _ := flagSet.GetBool("version"); showVersion {
		fmt.Printf("actorvm worker v%s\n", version)
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultWorkerConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadWorkerConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	w, err := worker.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker")
	}

	if err := w.Run(); err != nil {
		log.Fatal().Err(err).Msg("Worker failed")
	}
}
