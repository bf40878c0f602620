// Package cli wires the tolbftd subcommands: run, genkey, and gencerts.
package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tolelom/tolbft/clock"
	"github.com/tolelom/tolbft/config"
	"github.com/tolelom/tolbft/consensus"
	"github.com/tolelom/tolbft/crypto/certgen"
	"github.com/tolelom/tolbft/events"
	"github.com/tolelom/tolbft/executor"
	"github.com/tolelom/tolbft/mempool"
	"github.com/tolelom/tolbft/node"
	"github.com/tolelom/tolbft/rpc"
	"github.com/tolelom/tolbft/storage"
	"github.com/tolelom/tolbft/store"
	"github.com/tolelom/tolbft/types"
	"github.com/tolelom/tolbft/wallet"
)

// NewRootCommand builds the tolbftd command tree.
func NewRootCommand() *cobra.Command {
	var cfgPath string
	var keyPath string

	root := &cobra.Command{
		Use:   "tolbftd",
		Short: "tolbftd runs a TOL BFT validator or observer node",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.json", "path to config file")
	root.PersistentFlags().StringVar(&keyPath, "key", "validator.key", "path to keystore file")

	root.AddCommand(newRunCommand(&cfgPath, &keyPath))
	root.AddCommand(newGenKeyCommand(&keyPath))
	root.AddCommand(newGenCertsCommand(&cfgPath))

	return root
}

func newRunCommand(cfgPath, keyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(*cfgPath, *keyPath)
		},
	}
}

func newGenKeyCommand(keyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new validator key and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.SaveKey(*keyPath, keystorePassword(), w.PrivKey()); err != nil {
				return err
			}
			fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
			fmt.Printf("Saved to: %s\n", *keyPath)
			return nil
		},
	}
}

func newGenCertsCommand(cfgPath *string) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "gencerts",
		Short: "Generate a CA and node TLS certificate pair and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := certgen.GenerateAll(outDir, cfg.NodeID, nil); err != nil {
				return fmt.Errorf("gencerts: %w", err)
			}
			fmt.Printf("Certificates generated in %s for node %q\n", outDir, cfg.NodeID)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "certs", "output directory for generated certificates")
	return cmd
}

func keystorePassword() string {
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}
	return password
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// broadcastForwarder breaks the construction-order cycle between
// mempool (needs a Broadcaster) and node.Node (needs a Mempool): it is
// handed to mempool.New before the Node exists, then pointed at the
// real Node once constructed.
type broadcastForwarder struct {
	node *node.Node
}

func (f *broadcastForwarder) BroadcastTx(tx *types.Transaction, origin string) {
	if f.node != nil {
		f.node.BroadcastTx(tx, origin)
	}
}

func runNode(cfgPath, keyPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	privKey, err := wallet.LoadKey(keyPath, keystorePassword())
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	genesis, appDapp, err := config.BuildGenesis(cfg)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	chainStore := store.New(db)
	wasFresh := chainStore.Height() < 0
	if err := chainStore.Ready(genesis); err != nil {
		return fmt.Errorf("store ready: %w", err)
	}
	if wasFresh {
		log.Printf("Genesis block committed: %s", genesis.Hash())
	}

	emitter := events.NewEmitter()
	emitter.Subscribe(events.EventError, func(ev events.Event) {
		log.Printf("[node] error: %v", ev.Data["error"])
	})
	exec := executor.New(chainStore, db, appDapp, emitter)
	if err := exec.Initialize(); err != nil {
		return fmt.Errorf("executor init: %w", err)
	}

	forwarder := &broadcastForwarder{}
	mp := mempool.New(appDapp, forwarder)
	exec.OnExecuted(func(_ int64, txs types.TransactionList) { mp.Update(txs) })

	eng := consensus.New(consensus.DefaultConfig(), chainStore, mp, exec, cfg.MaxBlockTxs, privKey)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	n := node.New(node.Config{
		ID:         cfg.NodeID,
		ListenAddr: p2pAddr,
		TLSConfig:  tlsCfg,
		Store:      chainStore,
		Mempool:    mp,
		Executor:   exec,
		Engine:     eng,
		Clock:      clock.New(),
		Emitter:    emitter,
		Genesis:    genesis.Hash(),
	})
	forwarder.node = n

	if err := n.Start(); err != nil {
		return fmt.Errorf("p2p start: %w", err)
	}
	defer n.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	for _, sp := range cfg.SeedPeers {
		if err := n.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(n.Blockchain(), mp)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	if privKey != nil {
		log.Printf("Consensus running (validator: %s)", privKey.Public().Hex())
	} else {
		log.Println("Consensus running (observer node, no validator key)")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop the node (peer loops, engine timers, synchronizer).
	n.Stop()
	// 2. Deferred calls still run in LIFO on return (rpcServer.Stop,
	// db.Close) for an orderly shutdown.
	log.Println("Shutdown complete.")
	return nil
}
