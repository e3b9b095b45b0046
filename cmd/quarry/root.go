package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/cluster"
	"github.com/dreamware/quarry/internal/config"
	"github.com/dreamware/quarry/internal/logging"
	"github.com/dreamware/quarry/internal/node"
	"github.com/dreamware/quarry/internal/vat"
)

type globalFlags struct {
	configPath  string
	debug       bool
	listen      string
	advertise   string
	admin       string
	storageRoot string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "quarry",
		Short:         "Cluster manager: master, slave and grain processes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	addGlobalFlags(root.PersistentFlags(), &flags)

	root.AddCommand(masterCmd(&flags))
	root.AddCommand(slaveCmd(&flags))
	root.AddCommand(grainCmd())
	root.AddCommand(machinesCmd(&flags))
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, flags *globalFlags) {
	fs.StringVar(&flags.configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	fs.StringVar(&flags.listen, "listen", config.DefaultListen, "Local bind address")
	fs.StringVar(&flags.advertise, "advertise", "", "Host other processes use to reach this one")
	fs.StringVar(&flags.admin, "admin", config.DefaultAdmin, "Bind address of the master's operator endpoints (empty disables)")
	fs.StringVar(&flags.storageRoot, "storage-root", config.DefaultStorageRoot, "Directory of the storage role")
}

// loadConfig merges the config file, environment and explicitly set flags,
// then configures logging.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	pf := cmd.Flags()
	if pf.Changed("listen") {
		cfg.Listen = flags.listen
	}
	if pf.Changed("advertise") {
		cfg.Advertise = flags.advertise
	}
	if pf.Changed("admin") {
		cfg.Admin = flags.admin
	}
	if pf.Changed("storage-root") {
		cfg.StorageRoot = flags.storageRoot
	}
	if flags.debug {
		cfg.LogLevel = logging.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := logging.Configure(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func masterCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Run the cluster master and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return node.RunMaster(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func slaveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "slave <master-address>",
		Short: "Join the master at <master-address> and offer this machine's resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return node.RunSlave(cmd.Context(), cfg, args[0])
		},
	}
}

func grainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grain -- <command> [args...]",
		Short: "Run one supervised grain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := node.RunGrain(cmd.Context(), args); err != nil {
				return &exitError{code: node.ExitCode(err), err: err}
			}
			return nil
		},
	}
}

func machinesCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "machines <master-address>",
		Short: "List the machines registered with a master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			peer, err := address.Decode(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			n, err := vat.Listen(vat.BindSpec{Listen: "127.0.0.1:0", Heartbeat: cfg.Heartbeat}, nil)
			if err != nil {
				return err
			}
			defer n.Close()
			ch, err := n.Connect(ctx, peer)
			if err != nil {
				return err
			}
			defer ch.Close()

			machines, err := cluster.NewMasterClient(ch.Bootstrap()).ListMachines(ctx)
			if err != nil {
				return fmt.Errorf("list machines: %w", err)
			}
			return printMachines(cmd, machines)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time limit for the request")
	return cmd
}

func printMachines(cmd *cobra.Command, machines []cluster.MachineInfo) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tJOINED\tROLES")
	for _, m := range machines {
		roles := strings.Join(m.Roles, ",")
		if roles == "" {
			roles = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Vat.HostPort(), m.JoinedAt.Format(time.RFC3339), roles)
	}
	return tw.Flush()
}
