// Command orchestratord drives one orchestration run end to end from a
// terminal: it wires the Knowledge Base, Turn Ledger, Tool Registry,
// Dispatcher, Run Orchestrator, Event Emitter and Persistence Hook into a
// single process and streams the emitted event log to stderr while a
// Partner agent answers one question.
//
// There is deliberately no HTTP/WebSocket surface here: the event-emission
// contract is the only externally-visible surface this system commits to,
// so the reference driver is a CLI rather than a server, matching the
// teacher's own cmd/cobra_cli.go convention for the root command and its
// viper-backed config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"alex/internal/orchestration/config"
)

var cfgFile string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestratord",
		Short:         "Runs the Partner/Principal/Associate agent orchestration core",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to an orchestration config YAML file")
	root.AddCommand(newRunCommand())
	root.AddCommand(newConfigDumpCommand())
	root.AddCommand(newVersionCommand())

	viper.SetConfigName("orchestratord")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	return root
}

func loadOrchestrationConfig() (config.Config, config.Metadata, error) {
	var opts []config.Option
	if cfgFile != "" {
		opts = append(opts, config.WithConfigPath(cfgFile))
	}
	return config.Load(opts...)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orchestration core's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("orchestratord (agent orchestration core)")
			return nil
		},
	}
}

func newConfigDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config-dump",
		Short: "Resolve and print the layered configuration, with each field's winning source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := loadOrchestrationConfig()
			if err != nil {
				return err
			}
			fmt.Printf("llm_provider=%s (%s)\n", cfg.LLMProvider, meta.Source("llm_provider"))
			fmt.Printf("llm_model=%s (%s)\n", cfg.LLMModel, meta.Source("llm_model"))
			fmt.Printf("llm_base_url=%s (%s)\n", cfg.LLMBaseURL, meta.Source("llm_base_url"))
			fmt.Printf("utility_llm_model=%s (%s)\n", cfg.UtilityLLMModel, meta.Source("utility_llm_model"))
			fmt.Printf("profile_store_dir=%s (%s)\n", cfg.ProfileStoreDir, meta.Source("profile_store_dir"))
			fmt.Printf("handover_protocol_dir=%s (%s)\n", cfg.HandoverProtocolDir, meta.Source("handover_protocol_dir"))
			fmt.Printf("snapshot_dir=%s (%s)\n", cfg.SnapshotDir, meta.Source("snapshot_dir"))
			fmt.Printf("kb_dehydration_threshold_tokens=%d (%s)\n", cfg.KBDehydrationThresholdTokens, meta.Source("kb_dehydration_threshold_tokens"))
			fmt.Printf("empty_response_retries=%d (%s)\n", cfg.EmptyResponseRetries, meta.Source("empty_response_retries"))
			fmt.Printf("circuit_breaker_failure_threshold=%d (%s)\n", cfg.CircuitBreakerFailureThreshold, meta.Source("circuit_breaker_failure_threshold"))
			fmt.Printf("circuit_breaker_reset_timeout=%s (%s)\n", cfg.CircuitBreakerResetTimeout, meta.Source("circuit_breaker_reset_timeout"))
			return nil
		},
	}
}
