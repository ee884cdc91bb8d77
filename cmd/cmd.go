package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/seqsched/seqsched/api"
	"github.com/seqsched/seqsched/envconfig"
	"github.com/seqsched/seqsched/logutil"
	"github.com/seqsched/seqsched/ml"
	_ "github.com/seqsched/seqsched/ml/backend/naive"
	"github.com/seqsched/seqsched/scheduler"
	"github.com/seqsched/seqsched/server"
	"github.com/seqsched/seqsched/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "seqsched",
		Short:   "Batched text-generation scheduler",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := slog.LevelInfo
			if envconfig.Debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the scheduler server",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := ml.NewBackend(envconfig.Engine, ml.ModelConfig{})
			if err != nil {
				return err
			}
			kind := ml.KindForArchitecture(backend.Config().Architecture)

			sched := scheduler.NewScheduler(backend, kind, api.DefaultSearchConfig())

			ln, err := net.Listen("tcp", envconfig.Host)
			if err != nil {
				return err
			}
			return server.Serve(ln, sched)
		},
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Run: func(cmd *cobra.Command, args []string) {
			vars := envconfig.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				v := vars[k]
				fmt.Printf("%-26s %-24v %s\n", v.Name, v.Value, v.Description)
			}
		},
	}

	rootCmd.AddCommand(
		serveCmd,
		envCmd,
	)

	return rootCmd
}
