package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/breez/table-sync/batch"
	"github.com/breez/table-sync/batch/codec"
	"github.com/breez/table-sync/batch/compress"
	"github.com/breez/table-sync/config"
	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/metrics"
	"github.com/breez/table-sync/middleware"
	"github.com/breez/table-sync/orchestrator"
	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/store/memory"
	"github.com/breez/table-sync/store/postgres"
	"github.com/breez/table-sync/store/sqlite"
	"github.com/breez/table-sync/tracing"
	"github.com/breez/table-sync/transport"
)

var rootCmd = &cobra.Command{
	Use:           "tablesync",
	Short:         "Bidirectional table synchronization between SQL databases",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	logging.SetLogFile(cfg.LogFile)
	return cfg, nil
}

func openProvider(ctx context.Context, cfg *config.Config) (store.Provider, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return postgres.NewPgStore(ctx, cfg.PgDatabaseUrl)
	case config.BackendMemory:
		return memory.New()
	}
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return sqlite.Open(cfg.SQLiteDriver, cfg.SQLitePath)
}

func newBatchManager(cfg *config.Config) (*batch.Manager, codec.Codec, error) {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	comp, err := compress.ByName(cfg.Compression)
	if err != nil {
		return nil, nil, err
	}
	var spool batch.Spool = batch.NewMemorySpool()
	if cfg.BatchDir != "" {
		spool = batch.NewDiskSpool(cfg.BatchDir)
	}
	return batch.NewManager(batch.NewSerializer(c, comp), spool), c, nil
}

func CreateServer(c codec.Codec, syncServer transport.SyncerServer, m *metrics.Metrics) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		transport.ServerCodec(c),
		grpc.ChainUnaryInterceptor(m.ServerMetrics().UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(m.ServerMetrics().StreamServerInterceptor()),
	)
	transport.RegisterSyncerServer(s, syncServer)
	m.ServerMetrics().InitializeMetrics(s)
	return s
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve synchronization sessions over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New("main")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := tracing.Init(ctx, cfg.OtelEndpoint, "tablesync-server")
			if err != nil {
				return err
			}
			defer shutdownTracing()

			provider, err := openProvider(ctx, cfg)
			if err != nil {
				return err
			}
			defer provider.Close()

			manager, c, err := newBatchManager(cfg)
			if err != nil {
				return err
			}
			m, err := metrics.NewMetrics()
			if err != nil {
				return err
			}

			var caCert *x509.Certificate
			if cfg.CACert != nil {
				caCert = cfg.CACert.Raw
			}
			syncServer := NewSyncServer(cfg.NodeID, provider, middleware.NewAuthenticator(caCert),
				orchestrator.WithBatchManager(manager),
				orchestrator.WithMetrics(m),
			)
			quitChan := make(chan struct{})
			defer close(quitChan)
			syncServer.Start(quitChan)

			grpcListener, err := net.Listen("tcp", cfg.GrpcListenAddress)
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			s := CreateServer(c, syncServer, m)

			var httpServers []*http.Server
			if cfg.HttpListenAddress != "" {
				wrapped := grpcweb.WrapServer(s, grpcweb.WithOriginFunc(func(string) bool { return true }))
				httpServers = append(httpServers, &http.Server{
					Addr:              cfg.HttpListenAddress,
					Handler:           cors.AllowAll().Handler(wrapped),
					ReadHeaderTimeout: 10 * time.Second,
				})
			}
			if cfg.MetricsListenAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", m.Handler())
				httpServers = append(httpServers, &http.Server{
					Addr:              cfg.MetricsListenAddress,
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
				})
			}
			for _, srv := range httpServers {
				go func(srv *http.Server) {
					logger.Infof("http listening at %s", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Errorf("http server %s: %v", srv.Addr, err)
					}
				}(srv)
			}

			go func() {
				<-ctx.Done()
				logger.Infof("shutting down")
				for _, srv := range httpServers {
					_ = srv.Close()
				}
				s.GracefulStop()
			}()

			logger.Infof("Server listening at %s (backend %s, node %s)", cfg.GrpcListenAddress, provider.Name(), cfg.NodeID)
			if err := s.Serve(grpcListener); err != nil {
				return fmt.Errorf("failed to serve: %w", err)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
