package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scrrlt/carbon-ops/internal/ledger"
	"github.com/scrrlt/carbon-ops/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	socketPath string
	cfgFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carbonctl",
	Short: "Carbon governor CLI",
	Long: `carbonctl is the command-line interface for the carbon governor daemon.

It queries accumulated energy counters over the governor's Unix domain
socket and inspects or verifies the hash-chained audit ledger.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath("/etc/carbon-ops")
			viper.AddConfigPath(".")
			viper.SetConfigName("carbonctl")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if socketPath == "" {
			socketPath = viper.GetString("socket_path")
		}
		if socketPath == "" {
			socketPath = client.DefaultSocketPath
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/carbon-ops/carbonctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "governor socket path (default /var/run/carbon-ops.sock)")

	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── snapshot ─────────────────────────────────────────────────────────────────

var (
	snapshotFormat  string
	snapshotTimeout time.Duration
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [domain ...]",
	Short: "Fetch accumulated energy totals from the governor daemon",
	Long: `Snapshot queries the governor daemon for accumulated microjoule totals.

Without arguments all domains are returned. When the daemon is not
running the command reports degraded mode and exits non-zero:

  carbonctl snapshot package-0:intel-rapl:0`,
	RunE: runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotFormat, "format", "text", "Output format: text or json")
	snapshotCmd.Flags().DurationVar(&snapshotTimeout, "timeout", client.DefaultTimeout, "Connect/read timeout")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	c := client.New(
		client.WithSocketPath(socketPath),
		client.WithTimeout(snapshotTimeout),
	)
	result := c.Fetch(context.Background(), args...)

	if snapshotFormat == "json" {
		out, err := json.MarshalIndent(struct {
			Available  bool              `json:"available"`
			Reason     string            `json:"reason,omitempty"`
			ReadingsUJ map[string]uint64 `json:"readings_uj,omitempty"`
			Timestamp  time.Time         `json:"timestamp,omitempty"`
		}{result.Available, result.Reason, result.ReadingsUJ, result.Timestamp}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if !result.Available {
			os.Exit(1)
		}
		return nil
	}

	if !result.Available {
		fmt.Fprintf(os.Stderr, "governor unavailable: %s\n", result.Reason)
		os.Exit(1)
	}

	domains := make([]string, 0, len(result.ReadingsUJ))
	for d := range result.ReadingsUJ {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tTOTAL (µJ)\tTOTAL (J)")
	for _, d := range domains {
		uj := result.ReadingsUJ[d]
		fmt.Fprintf(w, "%s\t%d\t%.3f\n", d, uj, float64(uj)/1e6)
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%.3f\n", result.TotalUJ(), float64(result.TotalUJ())/1e6)
	return w.Flush()
}

// ── ledger ───────────────────────────────────────────────────────────────────

var ledgerPath string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the audit ledger",
}

func init() {
	ledgerCmd.PersistentFlags().StringVar(&ledgerPath, "path", "/var/lib/carbon-ops/audit.ndjson", "Ledger file path")
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the full hash chain and report the first violation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ledger.Verify(ledgerPath); err != nil {
			return fmt.Errorf("ledger verification failed: %w", err)
		}
		fmt.Println("ledger chain intact")
		return nil
	},
}

var tailCount int

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent ledger entries",
	RunE:  runLedgerTail,
}

func init() {
	ledgerTailCmd.Flags().IntVarP(&tailCount, "lines", "n", 10, "Number of entries to print")
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(ledgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	start := len(lines) - tailCount
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		fmt.Println(line)
	}
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the carbonctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("carbonctl %s\n", version)
	},
}
