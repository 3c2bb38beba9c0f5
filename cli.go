package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/breez/table-sync/config"
	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/middleware"
	"github.com/breez/table-sync/orchestrator"
	"github.com/breez/table-sync/scope"
	"github.com/breez/table-sync/tracing"
	"github.com/breez/table-sync/transport"
	"github.com/breez/table-sync/types"
)

var (
	scopeFile      string
	syncTypeName   string
	policyName     string
	parameters     map[string]string
	watch          bool
	commitPartial  bool
	overwriteScope bool
)

func parseSyncType(name string) (orchestrator.SyncType, error) {
	switch strings.ToLower(name) {
	case "", "normal":
		return orchestrator.Normal, nil
	case "reinitialize":
		return orchestrator.Reinitialize, nil
	case "reinitialize_with_upload", "reinitialize-with-upload":
		return orchestrator.ReinitializeWithUpload, nil
	}
	return orchestrator.Normal, fmt.Errorf("unknown sync type %q", name)
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [scope name]",
		Short: "Synchronize a local database with a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.PrivateKey == "" {
				return errors.New("PRIVATE_KEY is required, create one with the keygen command")
			}
			key, err := middleware.ParsePrivateKey(cfg.PrivateKey)
			if err != nil {
				return err
			}
			signer := middleware.NewKeySigner(key)

			syncType, err := parseSyncType(syncTypeName)
			if err != nil {
				return err
			}
			if policyName == "" {
				policyName = cfg.ConflictPolicy
			}
			policy, err := conflict.ParseSessionPolicy(policyName)
			if err != nil {
				return err
			}
			opts := orchestrator.Options{
				ScopeName:              args[0],
				SyncType:               syncType,
				Policy:                 policy,
				MaxBatchBytes:          cfg.MaxBatchBytes,
				CommitOnPartialFailure: commitPartial,
			}
			if len(parameters) > 0 {
				opts.Parameters = make(map[string]any, len(parameters))
				for k, v := range parameters {
					opts.Parameters[k] = v
				}
			}
			if scopeFile != "" {
				if opts.Scope, err = config.LoadScope(scopeFile); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			shutdownTracing, err := tracing.Init(ctx, cfg.OtelEndpoint, "tablesync-client")
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

			dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
			if cfg.ApiKey != "" {
				dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(middleware.ApiKey(cfg.ApiKey)))
			}
			conn, err := grpc.NewClient(cfg.ServerAddress, dialOpts...)
			if err != nil {
				return fmt.Errorf("dial %s: %w", cfg.ServerAddress, err)
			}
			defer conn.Close()

			t := transport.NewGRPC(conn, c, signer)
			agent := orchestrator.NewAgent(signer.NodeID(), provider, t, orchestrator.WithBatchManager(manager))

			run := func() error {
				result, err := agent.Synchronize(ctx, opts)
				printResult(cmd, result)
				return err
			}
			if err := run(); err != nil || !watch {
				return err
			}
			return watchScope(ctx, t, args[0], run)
		},
	}
}

// watchScope runs a session every time the server applies changes of
// another client, until ctx is done.
func watchScope(ctx context.Context, t *transport.GRPC, scopeName string, run func() error) error {
	logger := logging.New("watch", logging.NewField("scope", scopeName))
	notifications, errs, err := t.Watch(ctx, scopeName)
	if err != nil {
		return err
	}
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				err := <-errs
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			logger.Infof("server at sequence %d after changes of %s", n.Sequence, n.Origin)
			if err := run(); err != nil {
				logger.Errorf("sync failed: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func printResult(cmd *cobra.Command, r *orchestrator.Result) {
	if r == nil {
		return
	}
	tw := table.NewWriter()
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false
	tw.Style().Options.SeparateHeader = false
	tw.AppendHeader(table.Row{"SESSION", "STAGE", "UPLOADED", "APPLIED ON SERVER", "DOWNLOADED", "APPLIED", "CONFLICTS", "FAILURES", "COMMITTED", "DURATION"})
	tw.AppendRow(table.Row{
		r.SessionID,
		r.Stage,
		r.Uploaded,
		r.AppliedOnServer,
		r.Downloaded,
		r.AppliedLocally,
		len(r.Conflicts),
		len(r.Failures) + len(r.TableFailures),
		r.Committed,
		r.Duration(),
	})
	cmd.Printf("%s\n", tw.Render())

	if len(r.Conflicts) > 0 {
		ct := table.NewWriter()
		ct.AppendHeader(table.Row{"TABLE", "KEY", "TYPE", "RESOLUTION"})
		for _, c := range r.Conflicts {
			ct.AppendRow(table.Row{c.Table, types.EncodeKey(c.Key), c.Type, c.Resolution})
		}
		cmd.Printf("%s\n", ct.Render())
	}
	if len(r.Failures) > 0 || len(r.TableFailures) > 0 {
		ft := table.NewWriter()
		ft.AppendHeader(table.Row{"TABLE", "KEY / PART", "KIND", "MESSAGE"})
		for _, f := range r.Failures {
			ft.AppendRow(table.Row{f.Table, types.EncodeKey(f.Key), f.Kind, f.Message})
		}
		for _, f := range r.TableFailures {
			ft.AppendRow(table.Row{f.Table, fmt.Sprintf("part %d", f.Index), f.Kind, f.Message})
		}
		cmd.Printf("%s\n", ft.Render())
	}
}

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision [scope file]",
		Short: "Provision a scope described by a YAML file on the configured database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sc, err := config.LoadScope(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			provider, err := openProvider(ctx, cfg)
			if err != nil {
				return err
			}
			defer provider.Close()

			nodeID := cfg.NodeID
			if cfg.PrivateKey != "" {
				// a client provisions under the id it signs its sessions with
				key, err := middleware.ParsePrivateKey(cfg.PrivateKey)
				if err != nil {
					return err
				}
				nodeID = middleware.NewKeySigner(key).NodeID()
			}
			info, err := scope.NewRegistry(provider).Provision(ctx, sc, nodeID, scope.ProvisionOptions{Overwrite: overwriteScope})
			if err != nil {
				return err
			}
			cmd.Printf("provisioned scope %s version %s (hash %s) for %s\n", sc.Name, sc.Version, info.SchemaHash, info.NodeID)
			return nil
		},
	}
}

func newDeprovisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision [scope name]",
		Short: "Remove the tracking metadata of a scope, keeping the data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			provider, err := openProvider(ctx, cfg)
			if err != nil {
				return err
			}
			defer provider.Close()

			if err := scope.NewRegistry(provider).Deprovision(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("deprovisioned scope %s\n", args[0])
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [scope name]",
		Short: "Remove tombstones every node of a scope has received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			provider, err := openProvider(ctx, cfg)
			if err != nil {
				return err
			}
			defer provider.Close()

			removed, err := scope.NewRegistry(provider).Cleanup(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("removed %d tombstones of scope %s\n", removed, args[0])
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create a client key and print it with the node id it signs as",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := btcec.NewPrivateKey()
			if err != nil {
				return err
			}
			cmd.Printf("PRIVATE_KEY=%s\n", hex.EncodeToString(key.Serialize()))
			cmd.Printf("NODE_ID=%s\n", middleware.NewKeySigner(key).NodeID())
			return nil
		},
	}
}

func init() {
	syncCmd := newSyncCmd()
	syncCmd.Flags().StringVar(&scopeFile, "scope-file", "", "YAML scope setup to provision when the scope is new locally")
	syncCmd.Flags().StringVar(&syncTypeName, "type", "normal", "normal, reinitialize or reinitialize_with_upload")
	syncCmd.Flags().StringVar(&policyName, "policy", "", "server_wins or client_wins, defaults to CONFLICT_POLICY")
	syncCmd.Flags().StringToStringVar(&parameters, "param", nil, "filter parameter values, name=value")
	syncCmd.Flags().BoolVar(&watch, "watch", false, "keep running and synchronize when the server has new changes")
	syncCmd.Flags().BoolVar(&commitPartial, "commit-partial", false, "commit watermarks even when some rows failed")
	rootCmd.AddCommand(syncCmd)

	provisionCmd := newProvisionCmd()
	provisionCmd.Flags().BoolVar(&overwriteScope, "overwrite", false, "replace a stored scope with a different schema")
	rootCmd.AddCommand(provisionCmd)

	rootCmd.AddCommand(newDeprovisionCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newKeygenCmd())
}
