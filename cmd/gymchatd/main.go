package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/gymlink/gymchat/internal/config"
	"github.com/gymlink/gymchat/internal/daemon"
	"github.com/gymlink/gymchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.gymchat/config.toml)")
	envFlag := flag.String("env", "", "dotenv file to load (default .env)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	var envFiles []string
	if *envFlag != "" {
		envFiles = append(envFiles, *envFlag)
	}

	cfg, err := config.LoadWithEnv(configPath, envFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			ConfigPath:  configPath,
			EnvFiles:    envFiles,
		}),
	)

	app.Run()
}
