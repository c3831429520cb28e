// Command swimd runs one SWIM cluster member. It binds config to a node's
// lifecycle and prints membership/metadata change events to stdout.
//
// This is a thin launcher, not a management surface: it deliberately does
// not implement an HTTP introspection endpoint, an interactive console, a
// consistent-hash request router, or an RPC forwarding layer — those are
// out of scope (spec.md §1 Non-goals).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/swimd"
	"github.com/tutu-network/swimd/internal/config"
	"github.com/tutu-network/swimd/internal/directory"
	"github.com/tutu-network/swimd/internal/state"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swimd",
	Short: "SWIM membership + gossiped metadata node",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node and block until terminated",
	RunE:  runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("config", "", "path to a TOML config file (optional)")
	runCmd.Flags().String("host", "", "bind host, overrides config")
	runCmd.Flags().Int("port", 0, "bind port, overrides config")
	runCmd.Flags().StringSlice("seeds", nil, "seed addresses, overrides config")
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if seeds, _ := cmd.Flags().GetStringSlice("seeds"); len(seeds) > 0 {
		cfg.Seeds = seeds
	}

	node, err := swimd.Create(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	node.OnMemberChange(func(ev directory.Event) {
		fmt.Printf("member %s: %s (incarnation %d)\n", ev.Kind, ev.Member.Address, ev.Member.Incarnation)
	})
	node.OnMetadataChange(func(ev state.Event) {
		fmt.Printf("metadata %s: %s/%s = %v\n", ev.Op, ev.Namespace, ev.Key, ev.Value)
	})

	if err := node.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	fmt.Printf("swimd listening on %s\n", node.SelfAddress())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	return node.Stop()
}
