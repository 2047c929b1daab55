package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"havoc/internal/logging"
	"havoc/internal/report"
	"havoc/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	statusServerAddr string
	statusFromEtcd   bool
	statusNode       string
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the result of the last reconciliation",
	Long: `Print the last cycle report from the report file, or from etcd with --etcd.
With --server the gRPC health endpoint of a running daemon is queried as well.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if statusServerAddr != "" {
			printHealth(ctx, statusServerAddr)
		}

		if statusFromEtcd {
			if len(cfg.Etcd.Endpoints) == 0 {
				logging.Logger().Fatal("No etcd endpoints configured")
			}
			sink, err := report.NewEtcdSink(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.Prefix, nodeName(*cfg))
			if err != nil {
				logging.Logger().Fatal("Could not connect to etcd", zap.Error(err))
			}
			defer sink.Close()

			if statusNode != "" {
				r, err := sink.Get(ctx, statusNode)
				if err != nil {
					logging.Logger().Fatal("Could not get report", zap.Error(err))
				}
				printReport(statusNode, *r)
				return
			}

			reports, err := sink.List(ctx)
			if err != nil {
				logging.Logger().Fatal("Could not list reports", zap.Error(err))
			}
			nodes := make([]string, 0, len(reports))
			for node := range reports {
				nodes = append(nodes, node)
			}
			sort.Strings(nodes)
			for _, node := range nodes {
				printReport(node, reports[node])
			}
			return
		}

		if cfg.ReportFile == "" {
			if statusServerAddr == "" {
				logging.Logger().Fatal("No report_file configured")
			}
			return
		}
		r, err := report.Load(cfg.ReportFile)
		if err != nil {
			logging.Logger().Fatal("Could not read report", zap.String("path", cfg.ReportFile), zap.Error(err))
		}
		printReport(r.Hostname, *r)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusServerAddr, "server", "s", "", "Health endpoint of a running daemon")
	statusCmd.Flags().BoolVar(&statusFromEtcd, "etcd", false, "Read reports from etcd")
	statusCmd.Flags().StringVar(&statusNode, "node", "", "Only show this node (with --etcd)")
}

func printHealth(ctx context.Context, addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logging.Logger().Fatal("Did not connect", zap.Error(err))
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		logging.Logger().Fatal("Could not get health", zap.Error(err))
	}
	fmt.Printf("Health: %s\n", resp.GetStatus())
}

func printReport(node string, r report.Report) {
	if node != "" {
		fmt.Printf("Node: %s\n", node)
	}
	fmt.Printf("Cycle: %s\n", r.CycleID)
	fmt.Printf("Outcome: %s\n", r.Outcome)
	fmt.Printf("Finished: %s (%s)\n", r.FinishedAt.Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	fmt.Printf("Changed: %t Applied: %t Dry run: %t\n", r.Changed, r.Applied, r.DryRun)
	if r.Fingerprint != "" {
		fmt.Printf("Fingerprint: %s\n", r.Fingerprint)
	}
	if r.Error != "" {
		fmt.Printf("Error: %s\n", r.Error)
	}
	if r.ReloadError != "" {
		fmt.Printf("Reload error: %s\n", r.ReloadError)
	}

	pools := make([]string, 0, len(r.Pools))
	for name := range r.Pools {
		pools = append(pools, name)
	}
	sort.Strings(pools)
	for _, name := range pools {
		fmt.Printf("  %s: %d\n", name, r.Pools[name])
	}
	fmt.Println()
}
