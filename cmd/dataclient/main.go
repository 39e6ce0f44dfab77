// Package main implements a thin CLI around DataClient (spec §4.8):
// read/write/remove/list against a running Torua replication engine
// cluster, resolving shard masters the same way any library caller of
// internal/dataclient would. Analogous in spirit to the Admin CLI of
// §6, but covering only the in-scope client data operations; the
// declarative service-manifest admin tool itself stays out of scope
// per spec §1.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/dataclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TORUA_DATACLIENT")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "dataclient",
		Short: "Reads and writes data through a Torua replication engine cluster",
	}
	root.PersistentFlags().StringToString("seed", nil, "known replica addr=url pairs, repeatable")
	_ = v.BindPFlags(root.PersistentFlags())

	newClient := func() *dataclient.Client {
		seeds := v.GetStringMapString("seed")
		registry := cluster.NewRegistry(nil)
		addrs := make([]cluster.Addr, 0, len(seeds))
		for addr, url := range seeds {
			a := cluster.Addr(addr)
			registry.Set(a, url)
			addrs = append(addrs, a)
		}
		return dataclient.New(dataclient.Config{
			Dial:  registry.Resolve,
			Seeds: addrs,
			Log:   zap.NewNop().Sugar(),
		})
	}

	root.AddCommand(
		newWriteCmd(newClient),
		newReadCmd(newClient),
		newRemoveCmd(newClient),
		newListCmd(newClient),
	)
	return root
}

func newWriteCmd(newClient func() *dataclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "write <key> <data>",
		Short: "Write data at key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := newClient().Write(context.Background(), args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seq=%d\n", seq)
			return nil
		},
	}
}

func newReadCmd(newClient func() *dataclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "read <key>",
		Short: "Read data at key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().Read(context.Background(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newRemoveCmd(newClient func() *dataclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := newClient().Remove(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seq=%d\n", seq)
			return nil
		},
	}
}

func newListCmd(newClient func() *dataclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list <shard>",
		Short: "List every key in shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := newClient().List(context.Background(), cluster.ShardID(args[0]))
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}
