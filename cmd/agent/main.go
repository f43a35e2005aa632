package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/hostagent/agent"
	"github.com/guseggert/hostagent/config"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "hostagent",
		Usage:   "remote control surface for the host's processes and services",
		Version: agent.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file. Flags override values from the file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:    "auth-token",
				Usage:   "Bearer token required on every operation.",
				EnvVars: []string{"HOSTAGENT_AUTH_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "Path to the server certificate PEM.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "Path to the server key PEM.",
			},
			&cli.StringFlag{
				Name:  "tls-client-ca",
				Usage: "Path to a CA PEM. When set, clients must present a certificate signed by it.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
			&cli.StringFlag{
				Name:  "command-mode",
				Usage: "How /system/command/safe runs commands. One of [shell,argv].",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := config.Default()
			if path := ctx.String("config"); path != "" {
				var err error
				cfg, err = config.Load(path)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
			}
			if ctx.IsSet("listen-addr") {
				cfg.ListenAddr = ctx.String("listen-addr")
			}
			if ctx.IsSet("auth-token") {
				cfg.Auth.Token = ctx.String("auth-token")
			}
			if ctx.IsSet("tls-cert") {
				cfg.TLS.Cert = ctx.String("tls-cert")
			}
			if ctx.IsSet("tls-key") {
				cfg.TLS.Key = ctx.String("tls-key")
			}
			if ctx.IsSet("tls-client-ca") {
				cfg.TLS.ClientCA = ctx.String("tls-client-ca")
			}
			if ctx.IsSet("log-level") {
				cfg.Log.Level = ctx.String("log-level")
			}
			if ctx.IsSet("command-mode") {
				cfg.Command.Mode = ctx.String("command-mode")
			}

			a, err := agent.NewAgent(cfg)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				a.Stop()
			}()

			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
