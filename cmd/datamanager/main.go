// Package main implements the Torua replication engine's DataManager
// service: the master-elected control plane that registers new data
// replicas, links/unlinks them as peers of a shard's membership, and
// publishes the current master-per-shard map (spec §4.7).
//
// Generalized from the teacher's cmd/coordinator, which played the same
// role (node registration, shard assignment, cluster-wide coordination)
// but assumed a single always-up coordinator rather than an elected
// replica group.
//
// Configuration (flags, TORUA_DATAMANAGER_* env vars, or --config):
//
//	--self           this manager replica's address (required)
//	--listen         HTTP listen address (default ":8080")
//	--peer addr=url  repeatable; other DataManager replicas in this
//	                  process's own election group
//	--node addr=url  repeatable; seeds the address registry with the
//	                  DataNode replicas this manager drives
package main

import (
	"context"
	"crypto/rand"
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

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/datamanager"
	"github.com/dreamware/torua-repl/internal/election"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TORUA_DATAMANAGER")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "datamanager",
		Short: "Runs a DataManager replica of the Torua replication engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("self", "", "this manager replica's address (name@adapter)")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.StringToString("peer", nil, "other DataManager replicas, addr=url, repeatable")
	flags.StringToString("node", nil, "known DataNode replicas, addr=url, repeatable")
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

	managerPeers := v.GetStringMapString("peer")
	managerRegistry := cluster.NewRegistry(nil)
	for addr, url := range managerPeers {
		managerRegistry.Set(cluster.Addr(addr), url)
	}

	nodeRegistry := cluster.NewRegistry(nil)
	for addr, url := range v.GetStringMapString("node") {
		nodeRegistry.Set(cluster.Addr(addr), url)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	tiebreaker, err := randomTiebreaker()
	if err != nil {
		return fmt.Errorf("generating tiebreaker: %w", err)
	}

	// mgr is assigned right after datamanager.New returns; the Members
	// closure below captures it by reference so self's live priority
	// (mutated by the Elector on promote/demote) is polled afresh on
	// every election rather than frozen at startup.
	var mgr *datamanager.Manager
	members := func() []election.Member {
		ms := make([]election.Member, 0, len(managerPeers)+1)
		ms = append(ms, election.Member{
			Addr:  self,
			State: func(context.Context) (cluster.Priority, error) { return mgr.State(), nil },
		})
		for addr := range managerPeers {
			addr := cluster.Addr(addr)
			ms = append(ms, election.Member{
				Addr:  addr,
				State: func(ctx context.Context) (cluster.Priority, error) { return pollPeerPriority(ctx, managerRegistry, addr) },
			})
		}
		return ms
	}

	mgr = datamanager.New(datamanager.Config{
		Client:   &datamanager.NodeHTTPClient{URL: nodeRegistry.Resolve},
		Log:      sugar,
		Self:     self,
		Priority: cluster.Priority{0, 0, tiebreaker},
		Members:  members,
	})

	mux := http.NewServeMux()
	mux.Handle("/", datamanager.NewHandler(mgr))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sugar.Infow("datamanager: listening", "addr", v.GetString("listen"), "self", self)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("datamanager: listen failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("datamanager: shutdown error", "err", err)
	}
	sugar.Info("datamanager: stopped")
	return nil
}

// pollPeerPriority queries a fellow DataManager replica's /priority
// endpoint, used by this process's own election group (spec §4.7:
// DataManager is itself a replica group).
func pollPeerPriority(ctx context.Context, registry *cluster.Registry, addr cluster.Addr) (cluster.Priority, error) {
	url, err := registry.Resolve(addr)
	if err != nil {
		return nil, err
	}
	var resp cluster.PriorityResponse
	if err := cluster.GetJSON(ctx, url+"/priority", &resp); err != nil {
		return nil, err
	}
	return resp.Priority, nil
}

func randomTiebreaker() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * i)
	}
	return int64(v >> 1), nil
}
