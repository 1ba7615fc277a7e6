// Package cli provides the command-line interface for idrac-tunnel.
package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rackops/idrac-tunnel/internal/appconfig"
	"github.com/rackops/idrac-tunnel/internal/events"
	"github.com/rackops/idrac-tunnel/internal/ledger"
	"github.com/rackops/idrac-tunnel/internal/model"
	"github.com/rackops/idrac-tunnel/internal/netstat"
	"github.com/rackops/idrac-tunnel/internal/sshclient"
	"github.com/rackops/idrac-tunnel/internal/tunnel"
	"github.com/rackops/idrac-tunnel/internal/ui"
	"github.com/rackops/idrac-tunnel/internal/util"
)

// deps bundles the wired component graph for one command invocation. The
// tool is a short-lived command composing functions over external state (OS
// table + ledger file), so the graph is built per run and passed explicitly.
type deps struct {
	cfg      appconfig.Config
	table    netstat.Table
	ledger   *ledger.Store
	journal  *events.Store
	client   *sshclient.Client
	registry *tunnel.Registry
	ops      *tunnel.Ops
}

func buildDeps() (*deps, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	led, err := ledger.OpenDefault()
	if err != nil {
		return nil, err
	}
	table := netstat.New()
	journal := events.NewStore()
	client := sshclient.New(table)
	return &deps{
		cfg:      cfg,
		table:    table,
		ledger:   led,
		journal:  journal,
		client:   client,
		registry: tunnel.NewRegistry(table, led, journal),
		ops:      tunnel.NewOps(table, led, journal, client),
	}, nil
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	var verbose, quiet bool
	root := &cobra.Command{
		Use:           "idrac-tunnel",
		Short:         "SSH tunnel manager for iDRAC interfaces behind a jump host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl := slog.LevelInfo
			if verbose {
				lvl = slog.LevelDebug
			}
			if quiet {
				lvl = slog.LevelError
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMenu()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "errors only")

	root.AddCommand(
		newCreateCmd(),
		newListCmd(),
		newCloseCmd(),
		newCloseAllCmd(),
		newCleanCmd(),
		newConfigCmd(),
		newConsoleCmd(),
		newEventsCmd(),
		newMenuCmd(),
	)
	return root
}

func newCreateCmd() *cobra.Command {
	var (
		localPort  int
		jumpHost   string
		user       string
		targetPort int
		silent     bool
		dryRun     bool
		batchFile  string
		rangeArg   string
	)
	cmd := &cobra.Command{
		Use:   "create [targets...]",
		Short: "Create tunnels to one or more iDRAC targets (host[:port])",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sshclient.EnsureSSHBinary(); err != nil {
				return err
			}
			d, err := buildDeps()
			if err != nil {
				return err
			}
			cfg := d.cfg
			if jumpHost != "" {
				cfg.JumpHost = jumpHost
			}
			if user != "" {
				cfg.User = user
			}
			if cfg.JumpHost == "" {
				return fmt.Errorf("no jump host configured; set one with --jumphost or `idrac-tunnel config set jump_host HOST`")
			}
			if targetPort != 0 {
				cfg.DefaultTargetPort = targetPort
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			rng, err := resolveRange(cfg, rangeArg)
			if err != nil {
				return err
			}
			cfg.PortRange = rng

			opts := tunnel.CreateOptions{
				JumpHostSpec:      cfg.JumpHostSpec(),
				DefaultTargetPort: cfg.DefaultTargetPort,
				PortRange:         cfg.PortRange,
				LocalPort:         localPort,
				SkipPreCheck:      silent,
				DryRun:            dryRun,
				ConnectTimeout:    time.Duration(cfg.ConnectTimeoutSec) * time.Second,
			}

			var sum tunnel.CreateSummary
			if batchFile != "" {
				sum, err = d.ops.CreateFromBatch(cmd.Context(), batchFile, opts)
			} else {
				sum, err = d.ops.CreateTunnels(cmd.Context(), args, opts)
			}
			printCreateSummary(sum)
			return err
		},
	}
	cmd.Flags().IntVarP(&localPort, "port", "p", 0, "explicit local port (falls back to probing if taken)")
	cmd.Flags().StringVarP(&jumpHost, "jumphost", "j", "", "jump host (overrides config)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "jump host user (overrides config)")
	cmd.Flags().IntVarP(&targetPort, "target-port", "t", 0, "default target port (overrides config)")
	cmd.Flags().BoolVarP(&silent, "silent", "s", false, "skip the jump host connectivity pre-check")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the ssh command instead of running it")
	cmd.Flags().StringVar(&batchFile, "batch", "", "read targets from FILE (one host[:port] per line)")
	cmd.Flags().StringVar(&rangeArg, "port-range", "", "local port range START-END (overrides config)")
	return cmd
}

func printCreateSummary(sum tunnel.CreateSummary) {
	for _, res := range sum.Results {
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "failed %s: %v\n", util.EmptyDash(res.Target.Host), res.Err)
			continue
		}
		fmt.Println(res.Message)
	}
	if len(sum.Results) > 1 {
		fmt.Printf("created %d, failed %d\n", sum.Created, sum.Failed)
	}
}

func newListCmd() *cobra.Command {
	var (
		rangeArg string
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "List active tunnels (live OS state, ledger-enriched)",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			rng, err := resolveRange(d.cfg, rangeArg)
			if err != nil {
				return err
			}
			active, err := d.registry.ListActive(rng)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(active)
			}
			if len(active) == 0 {
				fmt.Printf("no active tunnels in %s\n", rng)
				return nil
			}
			fmt.Printf("%-8s %-8s %-32s %-8s %-22s %s\n", "PORT", "PID", "TARGET", "TPORT", "CREATED", "JUMP")
			for _, at := range active {
				created := "-"
				if !at.CreatedAt.IsZero() {
					created = at.CreatedAt.Format("2006-01-02 15:04:05")
				}
				tport := "-"
				if at.TargetPort != 0 {
					tport = strconv.Itoa(at.TargetPort)
				}
				fmt.Printf("%-8d %-8d %-32s %-8s %-22s %s\n",
					at.LocalPort, at.PID, at.TargetHost, tport, created, util.EmptyDash(at.JumpHostSpec))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rangeArg, "port-range", "", "scan range START-END (overrides config)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <port>",
		Short: "Close the tunnel on a local port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q is not a port", tunnel.ErrInvalidInput, args[0])
			}
			d, err := buildDeps()
			if err != nil {
				return err
			}
			if err := d.registry.CloseOne(port); err != nil {
				return err
			}
			fmt.Printf("closed tunnel on port %d\n", port)
			return nil
		},
	}
}

func newCloseAllCmd() *cobra.Command {
	var (
		rangeArg  string
		noConfirm bool
	)
	cmd := &cobra.Command{
		Use:     "close-all",
		Aliases: []string{"kill-all"},
		Short:   "Close every active tunnel in the port range",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			rng, err := resolveRange(d.cfg, rangeArg)
			if err != nil {
				return err
			}
			confirm := promptConfirm
			if noConfirm {
				confirm = nil
			}
			sum, err := d.registry.CloseAll(rng, confirm)
			if err != nil {
				return err
			}
			fmt.Println(closeAllOutcome(sum))
			return nil
		},
	}
	cmd.Flags().StringVar(&rangeArg, "port-range", "", "scan range START-END (overrides config)")
	cmd.Flags().BoolVar(&noConfirm, "no-confirm", false, "close without asking")
	return cmd
}

// closeAllOutcome renders the close-all result line. A declined confirmation
// must not read like an empty port range.
func closeAllOutcome(sum tunnel.CloseSummary) string {
	if sum.Declined {
		return "aborted, nothing closed"
	}
	if sum.Closed == 0 && sum.Failed == 0 {
		return "no active tunnels"
	}
	return fmt.Sprintf("closed %d tunnels", sum.Closed)
}

func promptConfirm(n int) bool {
	fmt.Printf("Close %d tunnel(s)? [y/N] ", n)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(sc.Text()))
	return answer == "y" || answer == "yes"
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove ledger records whose process is no longer running",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			removed, err := d.registry.CleanStale()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d stale records\n", removed)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig()
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the current configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return showConfig()
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one configuration value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := appconfig.Load()
				if err != nil {
					return err
				}
				v, err := configGet(cfg, args[0])
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one configuration value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := appconfig.Load()
				if err != nil {
					return err
				}
				if err := configSet(&cfg, args[0], args[1]); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				return appconfig.Save(cfg)
			},
		},
	)
	return cmd
}

func showConfig() error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	fmt.Printf("jump_host: %s\n", util.EmptyDash(cfg.JumpHost))
	fmt.Printf("user: %s\n", util.EmptyDash(cfg.User))
	fmt.Printf("default_target_port: %d\n", cfg.DefaultTargetPort)
	fmt.Printf("port_range: %s\n", cfg.PortRange)
	fmt.Printf("connect_timeout_seconds: %d\n", cfg.ConnectTimeoutSec)
	return nil
}

func configGet(cfg appconfig.Config, key string) (string, error) {
	switch key {
	case "jump_host":
		return cfg.JumpHost, nil
	case "user":
		return cfg.User, nil
	case "default_target_port":
		return strconv.Itoa(cfg.DefaultTargetPort), nil
	case "port_range":
		return cfg.PortRange.String(), nil
	case "connect_timeout_seconds":
		return strconv.Itoa(cfg.ConnectTimeoutSec), nil
	}
	return "", fmt.Errorf("unknown config key: %s", key)
}

func configSet(cfg *appconfig.Config, key, value string) error {
	switch key {
	case "jump_host":
		cfg.JumpHost = value
		return nil
	case "user":
		cfg.User = value
		return nil
	case "default_target_port":
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bad port: %q", value)
		}
		cfg.DefaultTargetPort = p
		return nil
	case "port_range":
		rng, err := parsePortRange(value)
		if err != nil {
			return err
		}
		cfg.PortRange = rng
		return nil
	case "connect_timeout_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bad timeout: %q", value)
		}
		cfg.ConnectTimeoutSec = n
		return nil
	}
	return fmt.Errorf("unknown config key: %s", key)
}

func newConsoleCmd() *cobra.Command {
	var (
		jumpHost string
		user     string
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open an interactive SSH session to the jump host",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sshclient.EnsureSSHBinary(); err != nil {
				return err
			}
			d, err := buildDeps()
			if err != nil {
				return err
			}
			cfg := d.cfg
			if jumpHost != "" {
				cfg.JumpHost = jumpHost
			}
			if user != "" {
				cfg.User = user
			}
			if cfg.JumpHost == "" {
				return fmt.Errorf("no jump host configured")
			}
			return d.client.Console(cmd.Context(), cfg.JumpHostSpec())
		},
	}
	cmd.Flags().StringVarP(&jumpHost, "jumphost", "j", "", "jump host (overrides config)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "jump host user (overrides config)")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		port      int
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := events.NewStore()
			evts, err := store.Read(events.Query{LocalPort: port, EventType: eventType, Limit: limit})
			if err != nil {
				return err
			}
			for _, evt := range evts {
				fmt.Printf("%s %-12s port=%d pid=%d %s %s\n",
					evt.Timestamp.Local().Format("2006-01-02 15:04:05"),
					evt.EventType, evt.LocalPort, evt.PID, evt.Target, evt.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "filter by local port")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most N events")
	return cmd
}

func newMenuCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"menu"},
		Short:   "Interactive menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMenu()
		},
	}
}

func runMenu() error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	return ui.Run(d.cfg, d.registry, d.ops)
}

func resolveRange(cfg appconfig.Config, arg string) (model.PortRange, error) {
	if strings.TrimSpace(arg) == "" {
		return cfg.PortRange, nil
	}
	return parsePortRange(arg)
}

func parsePortRange(s string) (model.PortRange, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return model.PortRange{}, fmt.Errorf("%w: port range must be START-END, got %q", tunnel.ErrInvalidInput, s)
	}
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return model.PortRange{}, fmt.Errorf("%w: bad range start %q", tunnel.ErrInvalidInput, startStr)
	}
	end, err := strconv.Atoi(endStr)
	if err != nil {
		return model.PortRange{}, fmt.Errorf("%w: bad range end %q", tunnel.ErrInvalidInput, endStr)
	}
	rng := model.PortRange{Start: start, End: end}
	if err := util.ValidateLocalPort(start); err != nil {
		return model.PortRange{}, err
	}
	if err := util.ValidateLocalPort(end); err != nil {
		return model.PortRange{}, err
	}
	if end < start {
		return model.PortRange{}, fmt.Errorf("%w: range end %d before start %d", tunnel.ErrInvalidInput, end, start)
	}
	return rng, nil
}
