// Command keysyncd runs one Nitro enclave pool node: it serves the
// handshake engine's Leader side over a pool-facing TCP listener, and
// exposes the enclave-internal control surface (readiness, config,
// transparency log, debug attestation, manual sync) over HTTP.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	keysync "github.com/brave/nitro-keysync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "keysyncd",
		Short: "Nitro enclave pool key-synchronization daemon",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one pool node (Leader + Follower handshake engine)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("platform-profile", "nitro", "attestation platform profile")
	flags.String("root-cert-pem", "", "pinned platform root certificate(s), PEM (empty uses the built-in AWS Nitro root)")
	flags.String("committee-rpc-url", "", "Ethereum JSON-RPC endpoint for the committee registry")
	flags.String("committee-registry-addr", "", "hex address of the committee registry contract")
	flags.Uint8("min-signers", 2, "minimum signer count M of the committee's M-of-N multisig")
	flags.Duration("max-attestation-age", 2*time.Minute, "maximum accepted age of an attestation document")
	flags.Duration("oracle-cache-ttl", 0, "how long to cache a committee decision (0 disables caching)")
	flags.String("pool-listen-addr", ":7000", "TCP address to accept Follower handshake connections on")
	flags.String("control-listen-addr", ":7001", "HTTP address for the enclave-internal control surface")
	flags.Duration("handshake-timeout", 15*time.Second, "deadline for each handshake receive boundary")
	flags.Bool("dev-attester", false, "use an in-memory dummy attester instead of the Nitro NSM device")
	flags.Bool("insecure-allow-dev-attester", false, "confirm that --dev-attester is intentional; refuses to start otherwise")
	flags.Bool("debug", false, "enable verbose, human-readable logging")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("KEYSYNC")
	v.AutomaticEnv()

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg := &keysync.Config{
		PlatformProfile:          v.GetString("platform-profile"),
		RootCertPEM:              v.GetString("root-cert-pem"),
		CommitteeRPCURL:          v.GetString("committee-rpc-url"),
		CommitteeRegistryAddr:    v.GetString("committee-registry-addr"),
		MinSigners:               uint8(v.GetUint("min-signers")),
		MaxAttestationAge:        v.GetDuration("max-attestation-age"),
		OracleCacheTTL:           v.GetDuration("oracle-cache-ttl"),
		PoolListenAddr:           v.GetString("pool-listen-addr"),
		ControlListenAddr:        v.GetString("control-listen-addr"),
		HandshakeTimeout:         v.GetDuration("handshake-timeout"),
		DevAttester:              v.GetBool("dev-attester"),
		InsecureAllowDevAttester: v.GetBool("insecure-allow-dev-attester"),
		Debug:                    v.GetBool("debug"),
	}

	logger, err := keysync.NewProductionLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	chainClient, err := ethclient.DialContext(ctx, cfg.CommitteeRPCURL)
	if err != nil {
		return fmt.Errorf("dialing committee RPC: %w", err)
	}
	defer chainClient.Close()

	enclave, err := keysync.NewEnclave(cfg, chainClient, logger)
	if err != nil {
		return fmt.Errorf("constructing enclave: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = enclave.Close()
	}()

	ln, err := net.Listen("tcp", cfg.PoolListenAddr)
	if err != nil {
		return fmt.Errorf("listening on pool address: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- keysync.ServePool(ctx, ln, enclave) }()
	go func() {
		srv := &http.Server{Addr: cfg.ControlListenAddr, Handler: keysync.NewControlRouter(enclave)}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
