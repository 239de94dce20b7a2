package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/store"
)

const version = "0.2.0"

type command func(ctx context.Context, app *app, args []string) error

var commands = map[string]command{
	"run":             runEngine,
	"login":           runLogin,
	"queue":           runQueue,
	"cancel":          runCancel,
	"action":          runAction,
	"pending":         runPending,
	"history":         runHistory,
	"campaign-create": runCampaignCreate,
	"campaign-pause":  runCampaignStatus,
	"campaign-resume": runCampaignStatus,
	"campaign-stats":  runCampaignStats,
	"campaign-get":    runCampaignGet,
	"campaigns":       runCampaigns,
	"prospect-add":    runProspectAdd,
	"prospect-get":    runProspectGet,
	"prospects":       runProspects,
	"update-stage":    runUpdateStage,
	"score":           runScore,
	"mark-accepted":   runMarkAccepted,
	"record-reply":    runRecordReply,
	"enable-user":     runEnableUser,
}

// app is what every command gets: loaded config, logger and an open store.
type app struct {
	cfg *config.Config
	log *logging.Logger
	st  *store.Store
	cmd string
}

func main() {
	ctx := context.Background()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "Path to config file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `outreach - scheduled LinkedIn outreach engine

Usage:
  outreach [--config config.yaml] <command> [options]

Engine:
  run                                    Poll for due actions and execute them until interrupted
  login --user U                         Log in once and save the session

Actions:
  queue --user U --prospect P --type T [--text S] [--in D]
                                         Enqueue an action; due after a 5-15m safety delay unless --in is set
  action --id A                          Show one action
  cancel --id A                          Cancel a pending action
  pending --user U                       List pending actions
  history --user U [--limit N]           List recent actions, newest first

Campaigns:
  campaign-create --user U --name N --sequence steps.yaml [--filter k=v ...]
  campaign-pause --id C
  campaign-resume --id C
  campaign-stats --id C
  campaign-get --id C
  campaigns --user U
  prospect-add --user U --campaign C --url URL [--name --headline --title --company --location]
                                         Add and score a prospect, then queue its first step
  prospect-get --id P
  prospects --campaign C | --user U
  update-stage --prospect P --stage S    Move a prospect to another pipeline stage
  score --prospect P                     Score a prospect with the configured LLM
  mark-accepted --prospect P             Record an accepted connection request
  record-reply --prospect P --text S     Record an inbound reply

Users:
  enable-user --user U                   Re-enable automation after a checkpoint was resolved

Examples:
  outreach --config config.yaml run
  outreach queue --user alice --prospect prospect_1a2b3c --type visit_profile
`)
	}

	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level)
	log.Info("outreach starting", "version", version, "command", cmd)
	log.Debug("config loaded", "db_driver", cfg.Database.Driver, "db_path", cfg.Database.Path, "log_level", cfg.Logging.Level)

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		log.Error("db open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Error("db migration failed", "err", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg, log: log, st: st, cmd: cmd}
	if err := run(ctx, a, flag.Args()[1:]); err != nil {
		log.Error("command failed", "cmd", cmd, "err", err)
		fmt.Fprintf(os.Stderr, "\n❌ Command failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "💡 Tip: Run with OUTREACH_LOG_LEVEL=debug for more details\n")
		st.Close()
		os.Exit(1)
	}
	log.Info("command completed successfully", "cmd", cmd)
}
