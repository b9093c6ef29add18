package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/backtest"
	"github.com/mtkit/toolbox/internal/barstore"
	"github.com/mtkit/toolbox/internal/config"
	"github.com/mtkit/toolbox/internal/core"
	"github.com/mtkit/toolbox/internal/dashboard"
	"github.com/mtkit/toolbox/internal/datasync"
	"github.com/mtkit/toolbox/internal/logging"
	"github.com/mtkit/toolbox/internal/mirror"
	"github.com/mtkit/toolbox/internal/mock"
	"github.com/mtkit/toolbox/internal/models"
	"github.com/mtkit/toolbox/internal/secret"
	"github.com/mtkit/toolbox/internal/supervisor"
	"github.com/mtkit/toolbox/internal/terminal"
)

const barsFileName = "bars.db"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "backtest" {
		os.Exit(runBacktest(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

// runBacktest replays a yaml scenario against the local bar store and
// prints the report.
func runBacktest(args []string) int {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	scenarioPath := fs.String("scenario", "", "Path to the scenario yaml file")
	dbPath := fs.String("db", filepath.Join(config.AppDataDir(), barsFileName), "Path to the bar database")
	level := fs.String("level", "warn", "Log level")
	fs.Parse(args)

	logger := logging.New(*level)
	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "backtest: -scenario is required")
		return 2
	}
	sc, err := backtest.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	store, err := barstore.Open(*dbPath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	report, err := backtest.RunScenario(sc, store, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Print(report.String())
	return 0
}

func run(args []string) int {
	fs := flag.NewFlagSet("toolbox", flag.ExitOnError)
	configPath := fs.String("config", filepath.Join(config.AppDataDir(), "config.ini"), "Path to the configuration file")
	level := fs.String("level", "info", "Log level")
	paper := fs.Bool("paper", false, "Run against the in-memory paper terminal")
	fs.Parse(args)

	logger := logging.New(*level)
	logQueue := make(chan string, 1024)
	logging.NewQueueHook(logger, logQueue)

	dataDir := config.AppDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		logger.Errorf("create data dir: %v", err)
		return 1
	}
	cipher, err := secret.Load(dataDir)
	if err != nil {
		logger.Errorf("load secret key: %v", err)
		return 1
	}
	cfg, err := config.Load(*configPath, cipher, logger)
	if err != nil {
		logger.Errorf("load config: %v", err)
		return 1
	}

	adapter, err := buildAdapter(cfg, *paper)
	if err != nil {
		logger.Error(err.Error())
		return 1
	}
	gate := terminal.NewGate(adapter, logger)

	store, err := barstore.Open(filepath.Join(dataDir, barsFileName), logger)
	if err != nil {
		logger.Errorf("open bar store: %v", err)
		return 1
	}
	defer store.Close()

	snapshots := make(chan models.Snapshot, 1024)
	sup := supervisor.New(gate, mirror.NewEngine(logger), cfg, snapshots, logger)
	loop := core.New(sup, cfg.Risk, cfg.CheckInterval, logger)

	stop := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutdown signal received")
		close(stop)
	}()

	syncWorker := startDataSync(cfg, store, gate, logger)
	if syncWorker != nil {
		defer syncWorker.Stop()
	}

	if cfg.Dashboard.Enabled {
		server := dashboard.NewServer(cfg.Dashboard, store, logger)
		go server.Consume(stop, snapshots, logQueue)
		go func() {
			if err := server.Start(); err != nil && err != http.ErrServerClosed {
				logger.Warnf("dashboard: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}()
	} else {
		go drain(stop, snapshots, logQueue)
	}

	loop.Run(stop)
	return 0
}

// buildAdapter selects the terminal implementation. Paper mode seeds the
// in-memory terminal with every configured account; live mode requires an
// adapter binary this build does not ship.
func buildAdapter(cfg *config.Config, paper bool) (terminal.Adapter, error) {
	if !paper {
		return nil, fmt.Errorf("no live terminal adapter is linked into this build; run with -paper")
	}
	term := mock.NewTerminal()
	for _, ac := range cfg.Accounts {
		if ac.Endpoint.Complete() {
			term.AddAccount(ac.Endpoint, 10000)
		}
	}
	term.SetSymbol(terminal.SymbolInfo{
		Name: "EURUSD", Point: 0.00001, Digits: 5,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
	})
	term.SetTick("EURUSD", 1.1000, 1.1002)
	return term, nil
}

// startDataSync launches the sync worker when the config names symbols and
// a master1 account exists to borrow credentials from.
func startDataSync(cfg *config.Config, store *barstore.Store, gate *terminal.Gate, logger *logrus.Logger) *datasync.Worker {
	if len(cfg.DataSync.Symbols) == 0 || len(cfg.DataSync.Timeframes) == 0 {
		return nil
	}
	var master *config.AccountConfig
	for _, ac := range cfg.Accounts {
		if ac.ID == "master1" {
			master = ac
			break
		}
	}
	if master == nil || !master.Endpoint.Complete() {
		logger.Warn("datasync configured but master1 has no usable credentials")
		return nil
	}
	breaker := terminal.NewBreakerGate(gate, logger)
	w := datasync.NewWorker(store, breaker, master.Endpoint, cfg.DataSync.Start, logger)
	w.Enqueue(datasync.Task{Symbols: cfg.DataSync.Symbols, Timeframes: cfg.DataSync.Timeframes})
	go w.Run()
	return w
}

// drain keeps the outbound queues moving when no dashboard consumes them.
func drain(stop <-chan struct{}, snapshots <-chan models.Snapshot, logs <-chan string) {
	for {
		select {
		case <-stop:
			return
		case <-snapshots:
		case <-logs:
		}
	}
}
