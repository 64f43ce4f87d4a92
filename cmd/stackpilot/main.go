package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/agent"
	"github.com/stackpilot/stackpilot/internal/backup"
	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/deploy"
	"github.com/stackpilot/stackpilot/internal/events"
	"github.com/stackpilot/stackpilot/internal/faults"
	"github.com/stackpilot/stackpilot/internal/orchestrator"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
	"github.com/stackpilot/stackpilot/internal/version"
)

// Exit codes for scripted callers.
const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
	exitDegraded   = 3
)

const usageText = `usage: stackpilot <command> [flags]

commands:
  provision   prepare the host and start the stack
  deploy      roll out a release descriptor
  start       start all services in dependency order
  stop        stop all services
  restart     restart all services (or one with -service)
  status      report per-service status
  backup      take a database backup now
  cert-renew  run the certificate renewal check now (optionally -domain)
  rotate      rotate a named credential
  serve       run the agent: recurring tasks plus control API
  version     print version and exit
`

func main() {
	log.SetFlags(log.LstdFlags)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(exitError)
	}
	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("stackpilot %s (%s)\n", version.Version, version.Commit)
		return
	}

	config.LoadDotEnvDefault()
	defaultConfig := os.Getenv("STACKPILOT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "/etc/stackpilot/config.toml"
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "host configuration file")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	strategy := fs.String("strategy", "containerized", "deployment strategy (provision only)")
	reprovision := fs.Bool("reprovision", false, "allow changing the recorded strategy (provision only)")
	releasePath := fs.String("release", "", "release descriptor path (deploy only)")
	service := fs.String("service", "", "single service name (restart only)")
	credential := fs.String("credential", "", "credential name (rotate only)")
	domain := fs.String("domain", "", "renew a single domain (cert-renew only)")
	httpAddr := fs.String("http", "127.0.0.1:9440", "control API listen address (serve only)")
	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[main] config error: %v", err)
		os.Exit(exitError)
	}
	host, _ := os.Hostname()
	pub := events.Connect(cfg.Events, host)
	defer pub.Close()
	orch := orchestrator.New(cfg, pub)

	switch cmd {
	case "provision":
		st, err := spec.ParseStrategy(*strategy)
		if err != nil {
			log.Printf("[main] %v", err)
			os.Exit(exitError)
		}
		if err := orch.Provision(ctx, st, *reprovision); err != nil {
			log.Printf("[main] provision failed: %v", err)
			os.Exit(exitError)
		}
		log.Printf("[main] provisioned strategy=%s", st)

	case "deploy":
		if *releasePath == "" {
			log.Printf("[main] deploy requires -release")
			os.Exit(exitError)
		}
		ctrl, err := orch.Controller(ctx)
		if err != nil {
			log.Printf("[main] %v", err)
			os.Exit(exitError)
		}
		d := deploy.NewDeployer(cfg, ctrl, orch.Credentials())
		if err := d.Run(ctx, *releasePath); err != nil {
			var ve *faults.ValidationError
			var de *faults.DegradedError
			switch {
			case errors.As(err, &ve):
				log.Printf("[main] %v", err)
				os.Exit(exitValidation)
			case errors.As(err, &de):
				log.Printf("[main] %v", err)
				os.Exit(exitDegraded)
			default:
				log.Printf("[main] deploy failed: %v", err)
				os.Exit(exitError)
			}
		}
		log.Printf("[main] deploy ok release=%s", *releasePath)

	case "start":
		exitOn(orch.Start(ctx), "start")
	case "stop":
		exitOn(orch.Stop(ctx), "stop")
	case "restart":
		if *service != "" {
			exitOn(orch.RestartService(ctx, *service), "restart")
		} else {
			exitOn(orch.Restart(ctx), "restart")
		}

	case "status":
		infos, err := orch.Status(ctx)
		if err != nil {
			log.Printf("[main] status failed: %v", err)
			os.Exit(exitError)
		}
		printStatus(infos)
		for _, info := range infos {
			if info.Status != store.StatusRunning {
				os.Exit(exitError)
			}
		}

	case "backup":
		m := backup.NewManager(cfg.StateDir, cfg.Backup, cfg.Database, cfg.App)
		rec, err := m.Create(ctx)
		if err != nil {
			log.Printf("[main] backup failed: %v", err)
			os.Exit(exitError)
		}
		if rec == nil {
			log.Printf("[main] backup skipped: run lock busy")
			return
		}
		if _, err := m.Prune(); err != nil {
			log.Printf("[main] prune failed: %v", err)
		}
		log.Printf("[main] backup ok dump=%s app_state=%s bytes=%d", rec.DumpPath, rec.AppStatePath, rec.SizeBytes)

	case "cert-renew":
		var domains []string
		if *domain != "" {
			domains = append(domains, *domain)
		}
		if err := orch.RenewCertificates(ctx, domains...); err != nil {
			var re *faults.RenewalError
			if errors.As(err, &re) {
				log.Printf("[main] renewal deferred: %v", err)
				return
			}
			log.Printf("[main] renewal failed: %v", err)
			os.Exit(exitError)
		}
		log.Printf("[main] certificates checked")

	case "rotate":
		if *credential == "" {
			log.Printf("[main] rotate requires -credential")
			os.Exit(exitError)
		}
		consumers, err := orch.RotateCredential(ctx, *credential)
		if err != nil {
			log.Printf("[main] rotate failed: %v", err)
			os.Exit(exitError)
		}
		log.Printf("[main] rotated %s consumers=%v", *credential, consumers)

	case "serve":
		a, err := agent.New(ctx, orch, pub, *httpAddr)
		if err != nil {
			log.Printf("[main] %v", err)
			os.Exit(exitError)
		}
		log.Printf("[main] stackpilot agent starting addr=%s version=%s", *httpAddr, version.Version)
		if err := a.Run(ctx); err != nil {
			log.Printf("[main] agent error: %v", err)
			os.Exit(exitError)
		}
		log.Println("[main] bye")

	default:
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(exitError)
	}
}

func exitOn(err error, op string) {
	if err != nil {
		log.Printf("[main] %s failed: %v", op, err)
		os.Exit(exitError)
	}
	log.Printf("[main] %s ok", op)
}

func printStatus(infos []store.ServiceInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tROLE\tSTATUS\tHEALTH\tRESTARTS")
	for _, i := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", i.Name, i.Role, i.Status, i.LastHealth, i.Restarts)
	}
	w.Flush()
}
