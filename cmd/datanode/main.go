// Package main implements the Torua replication engine's DataNode
// service: a typed container of shards on one replica, responsible for
// startup shard recovery, idempotent registration with the DataManager,
// master resolution, and serving the data plane (read/write/remove/list)
// for whichever shards it masters (spec §4.5).
//
// Generalized from the teacher's cmd/node, which held the same
// responsibility ("manage assigned storage shards, register with the
// coordinator") but with no replication, election, or manager-driven
// peer linking.
//
// Configuration (flags, TORUA_DATANODE_* env vars, or an optional config
// file via --config):
//
//	--self             this replica's address (name@adapter, required)
//	--listen           HTTP listen address (default ":8081")
//	--data-dir         shard storage root (default "./data")
//	--manager-addr     DataManager group address (required)
//	--manager-url      DataManager group's dialable URL (required)
//	--peer addr=url    repeatable; seeds the address registry with known
//	                    peers so Dial can resolve them before they're
//	                    ever mentioned by a get_state/add_peer call
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/antenna"
	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/datanode"
	"github.com/dreamware/torua-repl/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TORUA_DATANODE")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "datanode",
		Short: "Runs a DataNode replica of the Torua replication engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("self", "", "this replica's address (name@adapter)")
	flags.String("listen", ":8081", "HTTP listen address")
	flags.String("data-dir", "./data", "shard storage root directory")
	flags.String("manager-addr", "", "DataManager group address")
	flags.String("manager-url", "", "DataManager group's dialable base URL")
	flags.StringToString("peer", nil, "known peer addr=url pairs, repeatable")
	flags.Duration("register-timeout", 10*time.Second, "timeout for the startup register() call")
	flags.Int64("segment-bytes", 0, "replication log segment size limit (0 = package default)")
	flags.String("config", "", "optional config file (yaml/json/toml)")

	_ = v.BindPFlags(flags)
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if cfgFile, _ := flags.GetString("config"); cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config: %w", err)
			}
		}
		return nil
	}

	return cmd
}

func run(v *viper.Viper) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck
	sugar := log.Sugar()

	self := cluster.Addr(v.GetString("self"))
	if self == "" {
		return fmt.Errorf("--self is required")
	}
	managerAddr := cluster.Addr(v.GetString("manager-addr"))
	managerURL := v.GetString("manager-url")
	if managerAddr == "" || managerURL == "" {
		return fmt.Errorf("--manager-addr and --manager-url are required")
	}

	registry := cluster.NewRegistry(nil)
	registry.Set(managerAddr, managerURL)
	for addr, url := range v.GetStringMapString("peer") {
		registry.Set(cluster.Addr(addr), url)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	relayMetrics := relay.NewMetrics(reg)

	env := cluster.NewEnv(sugar, self, v.GetString("data-dir"), registry.Resolve)

	managerClient := &datanode.ManagerHTTPClient{
		URL: func() (string, error) { return registry.Resolve(managerAddr) },
	}

	dn, err := datanode.Open(v.GetString("data-dir"), datanode.Config{
		Env:          env,
		Manager:      managerClient,
		Dial:         datanode.NewPeerDialer(registry.Resolve),
		Metrics:      reg,
		RelayMetrics: relayMetrics,
		SegmentBytes: v.GetInt64("segment-bytes"),
	})
	if err != nil {
		return fmt.Errorf("opening datanode: %w", err)
	}
	defer dn.Close()

	registerCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("register-timeout"))
	defer cancel()
	if err := dn.Register(registerCtx); err != nil {
		sugar.Warnw("datanode: initial register failed, will retry lazily on next master lookup", "err", err)
	}

	// Tell every peer this replica already knew about (recovered from its
	// shards' persisted peer sets) that it is back, so their relays kick a
	// bounded-delay catch-up instead of waiting for the next mutation
	// (spec §4.9).
	notifier := datanode.NewNotifier(registry.Resolve)
	antenna.Broadcast(registerCtx, notifier, sugar, self, knownPeers(dn))

	mux := http.NewServeMux()
	mux.Handle("/", datanode.NewHandler(dn))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sugar.Infow("datanode: listening", "addr", v.GetString("listen"), "self", self)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("datanode: listen failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("datanode: shutdown error", "err", err)
	}
	sugar.Info("datanode: stopped")
	return nil
}

// knownPeers collects every distinct replica address this DataNode
// already knows about across its recovered shards, for the startup
// antenna broadcast.
func knownPeers(dn *datanode.DataNode) []cluster.Addr {
	seen := make(map[cluster.Addr]struct{})
	for _, st := range dn.State() {
		for _, addr := range st.Replicas {
			seen[addr] = struct{}{}
		}
	}
	out := make([]cluster.Addr, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	return out
}
