// Command marketd manages a local market deployment: it initializes the
// data directory from a config file and inspects committed state.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tolelom/nftmarket/config"
	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/events"
	"github.com/tolelom/nftmarket/storage"

	// Import the market module to trigger its init() self-registration.
	_ "github.com/tolelom/nftmarket/vm/modules/market"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	initGenesis := flag.Bool("init", false, "install genesis state into the data directory and exit")
	dumpEvents := flag.Uint64("events-since", 0, "print the committed event log starting at the given sequence and exit")
	printRoot := flag.Bool("root", false, "print the committed state root and exit")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := loadConfig(logger, *cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("mkdir data dir", zap.Error(err))
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/market")
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	state := storage.NewStateDB(db)

	switch {
	case *initGenesis:
		if _, err := state.GetNamedValue(core.NamedKeyPackageHash); err == nil {
			logger.Fatal("data directory already initialized", zap.String("data_dir", cfg.DataDir))
		}
		root, err := config.InstallGenesis(cfg, state)
		if err != nil {
			logger.Fatal("install genesis", zap.Error(err))
		}
		logger.Info("genesis installed",
			zap.String("package_id", cfg.Genesis.PackageID),
			zap.String("state_root", root))

	case *printRoot:
		fmt.Println(state.ComputeRoot())

	default:
		raws, err := state.EventsSince(*dumpEvents)
		if err != nil {
			logger.Fatal("read event log", zap.Error(err))
		}
		enc := json.NewEncoder(os.Stdout)
		for _, raw := range raws {
			ev, err := events.Decode(raw)
			if err != nil {
				logger.Fatal("decode event", zap.Error(err))
			}
			if err := enc.Encode(ev); err != nil {
				logger.Fatal("write event", zap.Error(err))
			}
		}
	}
}

func loadConfig(logger *zap.Logger, path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("config file not found, using defaults", zap.String("path", path))
			return config.DefaultConfig()
		}
		logger.Fatal("load config", zap.Error(err))
	}
	return cfg
}
