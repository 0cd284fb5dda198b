package authcheck

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stayflow/stayflow-backend/internal/tools/common"
	"github.com/stayflow/stayflow-backend/internal/tools/loadgen"
	"github.com/stayflow/stayflow-backend/internal/tools/ui"
)

type options struct {
	baseURL  string
	email    string
	password string
	ci       bool
}

// NewRootCommand builds the authcheck CLI, a live-server probe for the
// credential lifecycle: login, refresh rotation and replay rejection.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "authcheck", Short: "Probe the auth endpoints of a running server"}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.PersistentFlags().StringVar(&opts.email, "email", "", "login email for the probe account")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "", "login password for the probe account")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newTrafficCommand(opts))
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Login, rotate the refresh token and verify replay rejection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.email == "" || opts.password == "" {
				return fmt.Errorf("--email and --password are required")
			}
			details, err := run(opts, "authcheck run", func(ctx context.Context) ([]string, error) {
				return probeLifecycle(ctx, *opts)
			})
			if opts.ci {
				common.PrintCIResult(err == nil, "authcheck run", details, err)
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
}

func newTrafficCommand(opts *options) *cobra.Command {
	var profile string
	var duration time.Duration
	var rps int
	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "Generate synthetic traffic against the auth endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := run(opts, "authcheck traffic", func(ctx context.Context) ([]string, error) {
				res, err := loadgen.Run(ctx, loadgen.Config{
					BaseURL:     opts.baseURL,
					Profile:     profile,
					Duration:    duration,
					RPS:         rps,
					Concurrency: 6,
					Seed:        42,
				})
				if err != nil {
					return nil, err
				}
				details := []string{fmt.Sprintf("traffic generated total=%d failures=%d", res.TotalRequests, res.Failures)}
				for class, count := range res.StatusClasses {
					details = append(details, fmt.Sprintf("status %s: %d", class, count))
				}
				if res.Failures > 0 {
					return details, fmt.Errorf("%d requests failed to complete", res.Failures)
				}
				return details, nil
			})
			if opts.ci {
				common.PrintCIResult(err == nil, "authcheck traffic", details, err)
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "mixed", "traffic profile: mixed, auth or health")
	cmd.Flags().DurationVar(&duration, "duration", 6*time.Second, "how long to generate traffic")
	cmd.Flags().IntVar(&rps, "rps", 20, "target requests per second")
	return cmd
}

func run(opts *options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, fn)
}
