package cmd

import (
	"context"
	"fmt"
	"os"

	"havoc/internal/logging"
	"havoc/internal/provider"
	"havoc/internal/tagger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	tagPrefix  string
	tagKey     string
	tagValue   string
	tagZone    string
	tagWorkers int
)

// tagCmd represents the tag command
var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Tag instances by hostname prefix",
	Long: `Set a tag on every EC2 instance whose hostname tag starts with --prefix
and on every OpenStack server whose hostname metadata contains it.

Typically used to assign instances to a pool:

  havoc tag --prefix web- --key pool --value web`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cmd.Flags().Changed("zone") {
			cfg.AWS.Zone = tagZone
		}

		ctx := context.Background()
		clients, err := provider.NewClients(ctx, *cfg)
		if err != nil {
			logging.Logger().Fatal("Failed to set up providers", zap.Error(err))
		}
		if clients.EC2 == nil && clients.Compute == nil {
			logging.Logger().Fatal("No provider configured")
		}

		t := tagger.New(clients.EC2, clients.Compute, cfg.AWS.Zone, tagWorkers)
		results, err := t.Tag(ctx, tagPrefix, tagKey, tagValue)

		for _, r := range results {
			status := "ok"
			if r.Err != nil {
				status = r.Err.Error()
			}
			fmt.Printf("%-9s %-20s %-30s %s=%s %s\n", r.Provider, r.ID, r.Hostname, tagKey, tagValue, status)
		}

		if err != nil {
			logging.Logger().Error("Instance listing failed", zap.Error(err))
			os.Exit(1)
		}
		if failed := tagger.Failed(results); len(failed) > 0 {
			logging.Logger().Error("Some instances could not be tagged", zap.Int("failed", len(failed)))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(tagCmd)

	tagCmd.Flags().StringVarP(&tagPrefix, "prefix", "p", "", "Hostname prefix (required)")
	tagCmd.Flags().StringVarP(&tagKey, "key", "t", "", "Tag key (required)")
	tagCmd.Flags().StringVarP(&tagValue, "value", "v", "", "Tag value (required)")
	tagCmd.Flags().StringVarP(&tagZone, "zone", "z", "", "Only tag EC2 instances in this availability zone")
	tagCmd.Flags().IntVarP(&tagWorkers, "workers", "w", tagger.DefaultWorkers, "Concurrent tagging calls")
	for _, name := range []string{"prefix", "key", "value"} {
		if err := tagCmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("failed to mark flag as required: %v", err))
		}
	}
}
