package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/KilimcininKorOglu/poros/internal/trace"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	useICMP    bool
	useUDP     bool
	useTCP     bool
	useParis   bool
	useDublin  bool
	maxHops    int
	probeCount int
	timeout    time.Duration
	firstHop   int
	sequential bool
	forceIPv4  bool
	forceIPv6  bool
	sourceIP   string
	destPort   int
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "tracecore [flags] <target>",
	Short: "Minimal network path tracer",
	Long: `tracecore drives a raw-socket probe core directly: it sends one TTL
sweep of ICMP/UDP/TCP probes, correlates whatever comes back, and prints
each hop as it resolves. It has no reports, no enrichment, and no
interactive mode — those are a different program's job.

Examples:
  tracecore google.com            Basic trace using ICMP
  tracecore -U google.com         Use UDP probes
  tracecore -U --paris host       Paris-style UDP probes
  tracecore -T --port 443 host    TCP SYN probe to port 443`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.Flags().BoolVarP(&useICMP, "icmp", "I", false, "Use ICMP Echo probes (default)")
	rootCmd.Flags().BoolVarP(&useUDP, "udp", "U", false, "Use UDP probes")
	rootCmd.Flags().BoolVarP(&useTCP, "tcp", "T", false, "Use TCP SYN probes")
	rootCmd.Flags().BoolVar(&useParis, "paris", false, "Pin the UDP fingerprint for consistent ECMP hashing (UDP only)")
	rootCmd.Flags().BoolVar(&useDublin, "dublin", false, "Use the Dublin fingerprint (UDP only; payload length with a magic prefix on IPv6)")

	rootCmd.Flags().IntVarP(&maxHops, "max-hops", "m", 30, "Maximum number of hops")
	rootCmd.Flags().IntVarP(&probeCount, "queries", "q", 3, "Number of probes per hop")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "w", 3*time.Second, "Per-probe timeout")
	rootCmd.Flags().IntVarP(&firstHop, "first-hop", "f", 1, "Start from specified hop")
	rootCmd.Flags().BoolVar(&sequential, "sequential", false, "Probe one hop at a time instead of concurrently")

	rootCmd.Flags().BoolVarP(&forceIPv4, "ipv4", "4", false, "Use IPv4 only")
	rootCmd.Flags().BoolVarP(&forceIPv6, "ipv6", "6", false, "Use IPv6 only")
	rootCmd.Flags().StringVarP(&sourceIP, "source", "s", "", "Source IP address")
	rootCmd.Flags().IntVarP(&destPort, "port", "p", 33434, "Destination port (UDP/TCP)")

	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tracecore %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", date)
	},
}

func runTrace(cmd *cobra.Command, args []string) error {
	target := args[0]

	traceConfig := trace.DefaultConfig()
	traceConfig.MaxHops = maxHops
	traceConfig.ProbeCount = probeCount
	traceConfig.Timeout = timeout
	traceConfig.FirstHop = firstHop
	traceConfig.Sequential = sequential
	traceConfig.IPv4 = forceIPv4
	traceConfig.IPv6 = forceIPv6
	traceConfig.DestPort = destPort
	traceConfig.Paris = useParis
	traceConfig.Dublin = useDublin

	if sourceIP != "" {
		traceConfig.SourceIP = net.ParseIP(sourceIP)
	}

	switch {
	case useUDP:
		traceConfig.ProbeMethod = trace.ProbeUDP
	case useTCP:
		traceConfig.ProbeMethod = trace.ProbeTCP
	default:
		traceConfig.ProbeMethod = trace.ProbeICMP
	}

	useColor := !noColor && isatty.IsTerminal(os.Stdout.Fd())
	hopLine := color.New(color.FgGreen)
	timeoutLine := color.New(color.FgRed)

	traceConfig.OnHop = func(hop *trace.Hop) {
		line := formatHop(hop)
		if !useColor {
			fmt.Println(line)
			return
		}
		if hop.Responded {
			hopLine.Println(line)
		} else {
			timeoutLine.Println(line)
		}
	}

	tracer, err := trace.New(traceConfig)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer tracer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Printf("tracecore to %s, %d hops max\n\n", target, maxHops)

	result, err := tracer.Trace(ctx, target)
	if err != nil {
		return fmt.Errorf("trace failed: %w", err)
	}

	fmt.Println()
	if result.Completed {
		fmt.Printf("Trace complete. %d hops, %.2f ms total\n",
			result.Summary.TotalHops, result.Summary.TotalTimeMs)
	} else {
		fmt.Printf("Trace incomplete after %d hops\n", result.Summary.TotalHops)
	}

	return nil
}

// formatHop renders one hop the way a plain-text traceroute does: hop
// number, responder address, ICMP classification, and per-probe RTTs (or
// "*" for a timed-out probe).
func formatHop(hop *trace.Hop) string {
	addr := "*"
	if hop.IP != nil {
		addr = hop.IP.String()
	}

	line := fmt.Sprintf("%2d  %s", hop.Number, addr)
	for _, rtt := range hop.RTTs {
		if rtt < 0 {
			line += "  *"
		} else {
			line += fmt.Sprintf("  %.3f ms", rtt)
		}
	}
	if hop.Responded {
		if s := hop.IcmpType.String(); s != "not-applicable" {
			line += fmt.Sprintf("  [%s]", s)
		}
	}
	if hop.Extensions != nil && len(hop.Extensions.Extensions) > 0 {
		line += fmt.Sprintf("  ext=%d", len(hop.Extensions.Extensions))
	}
	return line
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets version information for the CLI.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}
