// coordd is the compute marketplace coordinator daemon. It matches client
// jobs to GPU miners, tracks miner liveness, and issues signed completion
// receipts for settlement.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gitlab.com/NebulousLabs/errors"

	"github.com/tensorgrid/tensorgrid/api"
	"github.com/tensorgrid/tensorgrid/build"
	"github.com/tensorgrid/tensorgrid/crypto"
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/modules/jobqueue"
	"github.com/tensorgrid/tensorgrid/modules/receipts"
	"github.com/tensorgrid/tensorgrid/modules/registry"
	"github.com/tensorgrid/tensorgrid/modules/store"
	"github.com/tensorgrid/tensorgrid/persist"
)

var configPath string
var flagConfig = DefaultConfig()

// attestationKeys parses the configured signing keys. Zero, one or two
// keys are all valid; every configured key attests each receipt.
func attestationKeys(config Config) ([]crypto.SecretKey, error) {
	var keys []crypto.SecretKey
	for _, hexKey := range []string{config.ReceiptSigningKey, config.ReceiptAttestationKey} {
		if hexKey == "" {
			continue
		}
		sk, err := crypto.SecretKeyFromHex(hexKey)
		if err != nil {
			return nil, errors.AddContext(err, "invalid receipt key")
		}
		keys = append(keys, sk)
	}
	return keys, nil
}

// startDaemon assembles the coordinator and serves until a signal or an
// API shutdown arrives.
func startDaemon(config Config) error {
	persistDir := filepath.Join(config.PersistDir, modules.CoordinatorDir)
	if err := os.MkdirAll(persistDir, 0700); err != nil {
		return err
	}
	log, err := persist.NewLogger(filepath.Join(persistDir, "coordd.log"))
	if err != nil {
		return err
	}
	defer log.Close()
	log.Println("STARTUP: coordd", build.Version)

	db, err := store.NewBoltStore(persistDir)
	if err != nil {
		return errors.AddContext(err, "unable to open store")
	}
	defer db.Close()

	queue, err := jobqueue.New(db, nil, jobqueue.Config{
		TTLMin:       seconds(config.TTLMinSeconds),
		TTLMax:       seconds(config.TTLMaxSeconds),
		MaxAttempts:  config.MaxAttempts,
		PollCap:      seconds(config.PollCapSeconds),
		ExpiryPeriod: millis(config.ExpiryPeriodMS),
	}, log)
	if err != nil {
		return errors.AddContext(err, "unable to create job queue")
	}
	defer queue.Close()

	minerRegistry, err := registry.New(db, nil, queue,
		seconds(config.HeartbeatTimeoutSeconds), seconds(config.ReaperPeriodSeconds), log)
	if err != nil {
		return errors.AddContext(err, "unable to create registry")
	}
	defer minerRegistry.Close()

	keys, err := attestationKeys(config)
	if err != nil {
		return err
	}
	receiptManager, err := receipts.New(db, nil, queue,
		crypto.HashAlgo(config.ReceiptHash), keys, log)
	if err != nil {
		return errors.AddContext(err, "unable to create receipt manager")
	}

	coordAPI := api.New(api.Config{
		ClientKeys: splitKeys(config.ClientAPIKeys),
		MinerKeys:  splitKeys(config.MinerAPIKeys),
		AdminKeys:  splitKeys(config.AdminAPIKeys),

		RateWindow:      seconds(config.RateLimitWindowSeconds),
		RateMaxRequests: config.RateLimitMaxRequests,
		StatsWindow:     seconds(config.StatsWindowSeconds),
	}, minerRegistry, queue, receiptManager, nil, log)

	addr := fmt.Sprintf("%s:%d", config.BindHost, config.BindPort)
	srv, err := api.NewServer(addr, coordAPI)
	if err != nil {
		return errors.AddContext(err, "unable to bind API listener")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Println("STOP: caught signal", sig)
		srv.Close()
	}()

	fmt.Println("coordd", build.Version, "listening on", srv.Addr())
	return srv.Serve()
}

// startDaemonCmd is the Run of the root command.
func startDaemonCmd(cmd *cobra.Command, args []string) {
	config := flagConfig
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		// Flags the user set explicitly win over the file.
		overlayFlags(cmd, &loaded)
		config = loaded
	}
	if err := startDaemon(config); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// overlayFlags copies explicitly set flag values onto a file-loaded
// config.
func overlayFlags(cmd *cobra.Command, config *Config) {
	if cmd.Flags().Changed("addr") {
		config.BindHost = flagConfig.BindHost
	}
	if cmd.Flags().Changed("port") {
		config.BindPort = flagConfig.BindPort
	}
	if cmd.Flags().Changed("persist-dir") {
		config.PersistDir = flagConfig.PersistDir
	}
	if cmd.Flags().Changed("client-keys") {
		config.ClientAPIKeys = flagConfig.ClientAPIKeys
	}
	if cmd.Flags().Changed("miner-keys") {
		config.MinerAPIKeys = flagConfig.MinerAPIKeys
	}
	if cmd.Flags().Changed("admin-keys") {
		config.AdminAPIKeys = flagConfig.AdminAPIKeys
	}
	if cmd.Flags().Changed("receipt-signing-key") {
		config.ReceiptSigningKey = flagConfig.ReceiptSigningKey
	}
	if cmd.Flags().Changed("receipt-attestation-key") {
		config.ReceiptAttestationKey = flagConfig.ReceiptAttestationKey
	}
}

// versionCmd prints version information about coordd.
func versionCmd(cmd *cobra.Command, args []string) {
	fmt.Println("TensorGrid Coordinator Daemon v" + build.Version)
	if build.GitRevision != "" {
		fmt.Println("Git Revision " + build.GitRevision)
	}
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "TensorGrid Coordinator Daemon v" + build.Version,
		Long:  "TensorGrid Coordinator Daemon v" + build.Version,
		Run:   startDaemonCmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information about the coordd daemon",
		Run:   versionCmd,
	})

	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file.")
	root.Flags().StringVar(&flagConfig.BindHost, "addr", flagConfig.BindHost, "Host the API listens on.")
	root.Flags().Uint16VarP(&flagConfig.BindPort, "port", "p", flagConfig.BindPort, "Port the API listens on.")
	root.Flags().StringVarP(&flagConfig.PersistDir, "persist-dir", "d", flagConfig.PersistDir, "Directory the coordinator persists to.")
	root.Flags().StringVar(&flagConfig.ClientAPIKeys, "client-keys", "", "Comma-separated client API keys.")
	root.Flags().StringVar(&flagConfig.MinerAPIKeys, "miner-keys", "", "Comma-separated miner API keys.")
	root.Flags().StringVar(&flagConfig.AdminAPIKeys, "admin-keys", "", "Comma-separated admin API keys.")
	root.Flags().StringVar(&flagConfig.ReceiptSigningKey, "receipt-signing-key", "", "Hex Ed25519 key for receipt attestation.")
	root.Flags().StringVar(&flagConfig.ReceiptAttestationKey, "receipt-attestation-key", "", "Optional second hex Ed25519 attestation key.")
	root.Flags().Uint64Var(&flagConfig.TTLMinSeconds, "ttl-min", flagConfig.TTLMinSeconds, "Minimum accepted job TTL in seconds.")
	root.Flags().Uint64Var(&flagConfig.TTLMaxSeconds, "ttl-max", flagConfig.TTLMaxSeconds, "Maximum accepted job TTL in seconds.")
	root.Flags().Uint64Var(&flagConfig.HeartbeatTimeoutSeconds, "heartbeat-timeout", flagConfig.HeartbeatTimeoutSeconds, "Seconds without a heartbeat before a miner is OFFLINE.")
	root.Flags().Uint64Var(&flagConfig.ReaperPeriodSeconds, "reaper-period", flagConfig.ReaperPeriodSeconds, "Seconds between offline-miner scans.")
	root.Flags().Uint64Var(&flagConfig.PollCapSeconds, "poll-cap", flagConfig.PollCapSeconds, "Hard cap on long-poll wait in seconds.")
	root.Flags().Uint64Var(&flagConfig.MaxAttempts, "max-attempts", flagConfig.MaxAttempts, "Assignment attempts before a job is abandoned.")
	root.Flags().Uint64Var(&flagConfig.RateLimitWindowSeconds, "rate-window", flagConfig.RateLimitWindowSeconds, "Rate limit window in seconds.")
	root.Flags().IntVar(&flagConfig.RateLimitMaxRequests, "rate-max", flagConfig.RateLimitMaxRequests, "Requests allowed per key per window.")

	root.Execute()
}
