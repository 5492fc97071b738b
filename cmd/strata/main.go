package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes of the operator tool.
const (
	exitOK         = 0
	exitError      = 1
	exitInvalidArg = 2
	exitQuorum     = 3
	exitInfeasible = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the error taxonomy onto the CLI exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInfeasibleLayout):
		return exitInfeasible
	case errors.Is(err, types.ErrQuorumFailed), errors.Is(err, types.ErrTimeout):
		return exitQuorum
	case errors.Is(err, errInvalidArgument):
		return exitInvalidArg
	default:
		return exitError
	}
}

// errInvalidArgument marks operator mistakes (bad flags, bad ids).
var errInvalidArgument = errors.New("invalid argument")

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - geo-distributed object store core",
	Long: `Strata is the metadata core of a geo-distributed object store:
zone-aware partition placement and a replicated table engine with
CRDT merge semantics, quorum reads/writes, and Merkle anti-entropy.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:3901", "RPC address of the node to talk to")
	rootCmd.PersistentFlags().String("secret", "", "Cluster RPC secret (or STRATA_RPC_SECRET)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}
