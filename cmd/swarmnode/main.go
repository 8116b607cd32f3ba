package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chunkmesh/swarmnode/core"
	"github.com/chunkmesh/swarmnode/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "swarmnode"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(fetchCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run a swarm node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file")
	return cmd
}

func runStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}

	n, err := core.NewNode(core.NodeConfig{
		BindHost:            cfg.Node.BindHost,
		BindPort:            cfg.Node.BindPort,
		LedgerDir:           cfg.Ledger.Dir,
		MaxActionsPerBlock:  cfg.Ledger.MaxActionsPerBlock,
		CacheDir:            cfg.Cache.Dir,
		CacheEvictAfterMS:   cfg.Cache.EvictAfterMillis,
		FetchWorkerPoolSize: cfg.Fetch.WorkerPoolSize,
		BootstrapHost:       cfg.Node.BootstrapHost,
		BootstrapPort:       cfg.Node.BootstrapPort,
	}, log)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("swarmnode: shutting down")
	n.Stop()
	return nil
}

func ingestCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "ingest a local file into the chunk store and print its fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logrus.New()

			ledger, err := core.NewLedger(cfg.Ledger.Dir, core.NewPeerID(), cfg.Ledger.MaxActionsPerBlock, log)
			if err != nil {
				return fmt.Errorf("init ledger: %w", err)
			}
			store, err := core.NewChunkStore(cfg.Cache.Dir, ledger, log)
			if err != nil {
				return fmt.Errorf("init chunk store: %w", err)
			}
			hash, err := store.IngestFile(args[0])
			if err != nil {
				return fmt.Errorf("ingest file: %w", err)
			}
			fmt.Println(hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file")
	return cmd
}

func fetchCmd() *cobra.Command {
	var configFile, bootstrapHost string
	var bootstrapPort int
	cmd := &cobra.Command{
		Use:   "fetch [fileHash] [outputPath]",
		Short: "fetch a file from the swarm by fingerprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logrus.New()

			n, err := core.NewNode(core.NodeConfig{
				BindHost:            cfg.Node.BindHost,
				BindPort:            0,
				LedgerDir:           cfg.Ledger.Dir,
				MaxActionsPerBlock:  cfg.Ledger.MaxActionsPerBlock,
				CacheDir:            cfg.Cache.Dir,
				FetchWorkerPoolSize: cfg.Fetch.WorkerPoolSize,
				BootstrapHost:       bootstrapHost,
				BootstrapPort:       bootstrapPort,
			}, log)
			if err != nil {
				return fmt.Errorf("construct node: %w", err)
			}
			ctx := context.Background()
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			defer n.Stop()

			if err := n.Fetcher.Fetch(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("fetch failed for %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&bootstrapHost, "peer-host", "", "bootstrap peer host")
	cmd.Flags().IntVar(&bootstrapPort, "peer-port", 0, "bootstrap peer port")
	return cmd
}
