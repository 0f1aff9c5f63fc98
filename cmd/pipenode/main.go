// Command pipenode runs a pipe CDC node and talks to running nodes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unijord/pipecdc/pkg/admin"
	"github.com/unijord/pipecdc/pkg/config"
	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/node"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pipenode",
		Short:        "Change data capture pipes over a raft-coordinated cluster",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd(), newPipeCmd(), newClusterCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			n, err := node.New(cfg, node.Options{LogOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			return n.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the node configuration file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and check a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: node %s (%s), %d peers\n",
				cfg.Node.ID, cfg.Node.Role, len(cfg.PeerList()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the node configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

type remote struct {
	addr    string
	timeout time.Duration
}

func (r *remote) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.addr, "addr", "127.0.0.1:8080", "admin address of any node; not-leader answers are retried at the leader")
	cmd.PersistentFlags().DurationVar(&r.timeout, "timeout", 30*time.Second, "request timeout")
}

func (r *remote) client() *admin.Client {
	return admin.NewClient(r.addr, r.timeout).FollowLeader()
}

func newPipeCmd() *cobra.Command {
	r := &remote{}
	cmd := &cobra.Command{Use: "pipe", Short: "Manage pipes"}
	r.bind(cmd)

	var attrs pipeconfig.RawAttributes
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a pipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.client().CreatePipe(cmd.Context(), args[0], attrs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipe %s created\n", args[0])
			return nil
		},
	}
	create.Flags().StringToStringVar(&attrs.Extractor, "extractor", nil, "extractor attributes, key=value")
	create.Flags().StringToStringVar(&attrs.Processor, "processor", nil, "processor attributes, key=value")
	create.Flags().StringToStringVar(&attrs.Connector, "connector", nil, "connector attributes, key=value")

	transition := func(use, short string, call func(*admin.Client, context.Context, string) (fsm.State, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " NAME",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				state, err := call(r.client(), cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pipe %s %s\n", args[0], state)
				return nil
			},
		}
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "List pipes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pipes, err := r.client().ShowPipes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pipes)
		},
	}

	cmd.AddCommand(
		create,
		transition("start", "Start a pipe", (*admin.Client).StartPipe),
		transition("stop", "Stop a pipe", (*admin.Client).StopPipe),
		transition("drop", "Drop a pipe", (*admin.Client).DropPipe),
		show,
	)
	return cmd
}

func newClusterCmd() *cobra.Command {
	r := &remote{}
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Show cluster membership",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := r.client().Cluster(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	r.bind(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
