// Package main is the CLI entry point for zapretdeck.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
	"github.com/eliteGoblin/zapretdeck/internal/infra"
	"github.com/eliteGoblin/zapretdeck/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	err := rootCmd.Execute()
	os.Exit(report(err))
}

// usageError marks bad command-line input so it maps to the invalid-input exit code.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// report prints err for the user and returns the process exit code.
func report(err error) int {
	if err == nil {
		return domain.ExitOK
	}

	var restartErr *usecase.RestartError
	if errors.As(err, &restartErr) {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", restartErr.Error())
		fmt.Fprintln(os.Stderr, "         The new settings apply on the next service restart.")
		return domain.ExitOK
	}

	var uerr *usageError
	if errors.As(err, &uerr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", uerr.err)
		fmt.Fprintln(os.Stderr, "Run 'zapretdeck --help' for usage.")
		return domain.ExitInvalid
	}

	fmt.Fprintf(os.Stderr, "Error: %s\n", domain.Describe(err))
	return domain.ExitCode(err)
}

func checkArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "zapretdeck",
	Short: "Control the zapret DPI bypass session, its service and DNS override",
	Long: `zapretdeck starts and stops the DPI bypass session, installs it as a
systemd service, and switches the DNS override. It remembers the last
strategy, DNS provider and game filter choice in conf.env.

Privileged steps run through sudo; the password is asked once per
invocation and is never written to disk.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, service and DNS status",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runStatus,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bypass session",
	Long: `Starts the bypass session with the given strategy, or with the saved
one when --strategy is omitted. Use --strategy auto to let the start
script search for a working strategy; the result is saved as
auto_found.bat and reused until --rediscover is given.`,
	Args: checkArgs(cobra.NoArgs),
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the bypass session and clean up firewall rules",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runStop,
}

var serviceCmd = &cobra.Command{
	Use:       "service enable|disable",
	Short:     "Install or remove the background service",
	ValidArgs: []string{"enable", "disable"},
	Args:      checkArgs(cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs)),
	RunE:      runService,
}

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Switch the DNS override",
}

var dnsSetCmd = &cobra.Command{
	Use:       "set primary|secondary",
	Short:     "Apply a DNS provider (replaces any active override)",
	ValidArgs: []string{string(domain.DNSPrimary), string(domain.DNSSecondary)},
	Args:      checkArgs(cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs)),
	RunE:      runDNSSet,
}

var dnsUnsetCmd = &cobra.Command{
	Use:   "unset",
	Short: "Remove the DNS override",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runDNSUnset,
}

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List available strategies",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runStrategies,
}

var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Manage the saved strategy",
}

var strategySelectCmd = &cobra.Command{
	Use:   "select ID",
	Short: "Save the strategy used by the next start (restarts an active service)",
	Args:  checkArgs(cobra.ExactArgs(1)),
	RunE:  runStrategySelect,
}

var interfaceCmd = &cobra.Command{
	Use:   "interface",
	Short: "Manage the network interface the session binds to",
}

var interfaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List interfaces that are up",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runInterfaceList,
}

var interfaceSelectCmd = &cobra.Command{
	Use:   "select IFACE",
	Short: "Save the interface used by the next start (restarts an active service)",
	Args:  checkArgs(cobra.ExactArgs(1)),
	RunE:  runInterfaceSelect,
}

var gameFilterCmd = &cobra.Command{
	Use:       "gamefilter on|off",
	Short:     "Toggle the game traffic filter (restarts an active service)",
	ValidArgs: []string{"on", "off"},
	Args:      checkArgs(cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs)),
	RunE:      runGameFilter,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream state changes until interrupted",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent privileged operations",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runHistory,
}

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Check that the tools the scripts need are installed",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runDeps,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether blocked sites are reachable",
	Args:  checkArgs(cobra.NoArgs),
	RunE:  runProbe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Args:  checkArgs(cobra.NoArgs),
	Run:   runVersion,
}

var (
	baseDir       string
	settingsPath  string
	debug         bool
	passwordStdin bool

	startStrategy string
	rediscover    bool
	historyLimit  int
	jsonOutput    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Directory holding the scripts and conf.env (default: detected)")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Settings file (default: <base-dir>/zapretdeck.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log to stderr at debug level")
	rootCmd.PersistentFlags().BoolVar(&passwordStdin, "password-stdin", false, "Read the sudo password from stdin")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	startCmd.Flags().StringVar(&startStrategy, "strategy", "", "Strategy id, or \"auto\" to discover one")
	startCmd.Flags().BoolVar(&rediscover, "rediscover", false, "With auto: ignore a previous discovery result")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of operations to show")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	dnsCmd.AddCommand(dnsSetCmd, dnsUnsetCmd)
	strategyCmd.AddCommand(strategySelectCmd)
	interfaceCmd.AddCommand(interfaceListCmd, interfaceSelectCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(dnsCmd)
	rootCmd.AddCommand(strategiesCmd)
	rootCmd.AddCommand(strategyCmd)
	rootCmd.AddCommand(interfaceCmd)
	rootCmd.AddCommand(gameFilterCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

// withApp wires the components for one command and tears them down afterwards.
func withApp(fn func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		st, err := a.orch.Status(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(statusJSON{
				Phase:          st.Phase,
				BypassRunning:  st.State.BypassRunning,
				ServiceEnabled: st.State.ServiceEnabled,
				ServiceActive:  st.State.ServiceActive,
				DNS:            st.State.DNS.String(),
				SavedDNS:       st.Intent.DNS.String(),
				Strategy:       st.Intent.Strategy,
				Interface:      st.Intent.Interface,
				GameFilter:     st.Intent.GameFilter,
				Mode:           a.mode.Mode.String(),
				InFlight:       inFlightLabel(st.InFlight),
			})
		}

		fmt.Println("\n=== zapretdeck Status ===")
		fmt.Printf("Session:     %s\n", sessionLabel(st.State))
		fmt.Printf("Service:     %s\n", serviceLabel(st.State))
		fmt.Printf("DNS:         %s (saved: %s)\n", st.State.DNS, st.Intent.DNS)
		strategy := st.Intent.Strategy
		if strategy == "" {
			strategy = "(none)"
		}
		fmt.Printf("Strategy:    %s\n", strategy)
		fmt.Printf("Interface:   %s\n", st.Intent.Interface)
		fmt.Printf("Game filter: %s\n", onOff(st.Intent.GameFilter))
		fmt.Printf("Mode:        %s\n", a.mode.Mode)
		if st.InFlight != nil {
			fmt.Printf("In flight:   %s (%s)\n", st.InFlight.Kind, st.InFlight.State)
		}
		fmt.Println("=========================")
		return nil
	})
}

type statusJSON struct {
	Phase          domain.SessionPhase `json:"phase"`
	BypassRunning  bool                `json:"bypass_running"`
	ServiceEnabled bool                `json:"service_enabled"`
	ServiceActive  bool                `json:"service_active"`
	DNS            string              `json:"dns"`
	SavedDNS       string              `json:"saved_dns"`
	Strategy       string              `json:"strategy"`
	Interface      string              `json:"interface"`
	GameFilter     bool                `json:"game_filter"`
	Mode           string              `json:"mode"`
	InFlight       string              `json:"in_flight,omitempty"`
}

func inFlightLabel(op *domain.Operation) string {
	if op == nil {
		return ""
	}
	return string(op.Kind)
}

func sessionLabel(s domain.SessionState) string {
	if s.BypassRunning {
		return "RUNNING"
	}
	return "STOPPED"
}

func serviceLabel(s domain.SessionState) string {
	switch {
	case s.ServiceEnabled && s.ServiceActive:
		return "enabled, active"
	case s.ServiceEnabled:
		return "enabled, inactive"
	case s.ServiceActive:
		return "disabled, active"
	}
	return "not installed"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func runStart(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		strategy := startStrategy
		if strategy == "" {
			st, err := a.orch.Status(ctx)
			if err != nil {
				return err
			}
			strategy = st.Intent.Strategy
		}

		fmt.Printf("Starting with strategy %s...\n", strategyLabel(strategy))
		if err := a.orch.RequestStart(ctx, strategy, rediscover); err != nil {
			return err
		}
		fmt.Println("Bypass session started.")
		return nil
	})
}

func strategyLabel(id string) string {
	if id == "" {
		return "(none)"
	}
	return id
}

func runStop(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		if err := a.orch.RequestStop(ctx); err != nil {
			return err
		}
		fmt.Println("Bypass session stopped.")
		return nil
	})
}

func runService(cmd *cobra.Command, args []string) error {
	enable := args[0] == "enable"
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		if enable {
			fmt.Println("Installing service (this can take up to a minute)...")
		}
		if err := a.orch.RequestServiceToggle(ctx, enable); err != nil {
			return err
		}
		if enable {
			fmt.Printf("Service %s installed and active.\n", a.settings.ServiceName)
		} else {
			fmt.Printf("Service %s removed.\n", a.settings.ServiceName)
		}
		return nil
	})
}

func runDNSSet(cmd *cobra.Command, args []string) error {
	provider, ok := domain.ParseDNSProvider(args[0])
	if !ok || !provider.IsOverride() {
		return &usageError{fmt.Errorf("unknown DNS provider %q", args[0])}
	}
	return changeDNS(provider)
}

func runDNSUnset(cmd *cobra.Command, args []string) error {
	return changeDNS(domain.DNSNone)
}

func changeDNS(provider domain.DNSProvider) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		if err := a.orch.RequestDNSChange(ctx, provider); err != nil {
			return err
		}
		if provider == domain.DNSNone {
			fmt.Println("DNS override removed.")
		} else {
			fmt.Printf("DNS set to %s (%v).\n", provider, a.settings.DNSProviders[provider])
		}
		return nil
	})
}

func runStrategies(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		strategies, err := a.orch.Strategies(ctx)
		if err != nil {
			return err
		}
		if len(strategies) == 0 {
			fmt.Printf("No strategies found in %s or %s\n", a.settings.CustomDir(), a.settings.BundledDir())
			return nil
		}
		for _, s := range strategies {
			fmt.Printf("  %-40s [%s]\n", s.ID, s.Source)
		}
		return nil
	})
}

func runStrategySelect(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		if err := a.orch.SelectStrategy(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Strategy %s saved.\n", args[0])
		return nil
	})
}

func runInterfaceList(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		names, err := a.orch.Interfaces(ctx)
		if err != nil {
			return err
		}
		st, err := a.orch.Status(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			mark := " "
			if name == st.Intent.Interface {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, name)
		}
		return nil
	})
}

func runInterfaceSelect(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		if err := a.orch.SelectInterface(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Interface %s saved.\n", args[0])
		return nil
	})
}

func runGameFilter(cmd *cobra.Command, args []string) error {
	enabled := args[0] == "on"
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		if err := a.orch.SetGameFilter(ctx, enabled); err != nil {
			return err
		}
		fmt.Printf("Game filter %s.\n", onOff(enabled))
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		events := a.monitor.Subscribe(ctx)
		go func() {
			if err := a.orch.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("orchestrator stopped", zap.Error(err))
			}
		}()
		go func() {
			_ = a.monitor.Run(ctx)
		}()

		fmt.Println("Watching state (Ctrl+C to stop)...")
		for ev := range events {
			s := ev.State
			fmt.Printf("%s #%d session=%s service=%s dns=%s phase=%s\n",
				ev.At.Format(time.TimeOnly), ev.Seq,
				sessionLabel(s), serviceLabel(s), s.DNS, a.orch.Phase())
		}
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		if a.journal == nil {
			return domain.NewError(domain.KindNotFound, "operation journal in "+a.settings.DataDir, nil)
		}
		ops, err := a.journal.Recent(historyLimit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			line := fmt.Sprintf("%s  %-18s %-9s", op.StartedAt.Format(time.DateTime), op.Kind, op.State)
			if op.Detail != "" {
				line += " " + op.Detail
			}
			if d := op.Duration(); d > 0 {
				line += fmt.Sprintf(" (%s)", d.Round(time.Millisecond))
			}
			if op.ErrorKind != "" {
				line += fmt.Sprintf(" error=%s", op.ErrorKind)
			}
			fmt.Println(line)
		}
		return nil
	})
}

func runDeps(cmd *cobra.Command, args []string) error {
	deps := infra.CheckDependencies(infra.RequiredTools)
	for _, d := range deps {
		if d.Found {
			fmt.Printf("  [ok]      %-10s %s\n", d.Name, d.Path)
		} else {
			fmt.Printf("  [missing] %s\n", d.Name)
		}
	}
	if missing := infra.MissingDependencies(deps); len(missing) > 0 {
		return fmt.Errorf("%d required tools missing: %v", len(missing), missing)
	}
	fmt.Println("All dependencies found.")
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, cancel := signalContext(a.logger)
		defer cancel()

		prober := infra.NewSiteProber(a.settings.ProbeSites, a.settings.Timeouts.Probe, a.logger)
		failed := 0
		for _, r := range prober.ProbeAll(ctx) {
			if r.OK {
				fmt.Printf("  [ok]   %-12s %s (%s)\n", r.Name, r.URL, r.Elapsed.Round(time.Millisecond))
				continue
			}
			failed++
			fmt.Printf("  [fail] %-12s %s: %s\n", r.Name, r.URL, r.Error)
		}
		if failed > 0 {
			return fmt.Errorf("%d sites unreachable", failed)
		}
		return nil
	})
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("zapretdeck %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
