package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harborq/jobqueue"
	"github.com/harborq/jobqueue/api"
)

var (
	cfgFile     string
	adminAddr   string
	logLevel    string
	concurrency int
)

func loadViper() *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".jobqueue")
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println("failed to get home directory")
			os.Exit(1)
		}
		v.AddConfigPath(home)
		v.AddConfigPath(".")
	}
	// A missing config file is fine; env vars and defaults still apply.
	_ = v.ReadInConfig()
	return v
}

// demoJobs registers the two sample jobs this binary exercises so the
// library's public surface has something concrete to route through.
func demoJobs(rt *jobqueue.Runtime) error {
	_, err := rt.Job(api.RegisterJobInput{
		Name: "send-email",
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			fmt.Printf("send-email attempt=%d args=%v\n", req.Attempt, req.Args)
			return nil, nil
		},
	})
	if err != nil {
		return err
	}
	_, err = rt.Job(api.RegisterJobInput{
		Name:       "resize-image",
		MaxRetries: 5,
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			fmt.Printf("resize-image attempt=%d args=%v\n", req.Attempt, req.Args)
			return nil, nil
		},
	})
	return err
}

func runWorker(cmd *cobra.Command, args []string) {
	v := loadViper()
	rt := jobqueue.Configure(
		jobqueue.WithViper(v),
		jobqueue.WithLogLevel(logLevel),
		jobqueue.WithWorkerConcurrency(concurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Connect(ctx); err != nil {
		fmt.Printf("connect failed: %s\n", err)
		os.Exit(1)
	}
	if err := demoJobs(rt); err != nil {
		fmt.Printf("job registration failed: %s\n", err)
		os.Exit(1)
	}
	if err := rt.DeclareAmqResources(ctx); err != nil {
		fmt.Printf("declare topology failed: %s\n", err)
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(adminAddr, mux); err != nil && err != http.ErrServerClosed {
			fmt.Printf("admin server exited: %s\n", err)
		}
	}()

	go func() {
		for result := range rt.Results() {
			if result.Error != nil {
				fmt.Printf("job %s status=%s err=%s\n", result.Request.Name, result.Status, result.Error)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Worker(ctx) }()

	select {
	case <-sigCh:
	case err := <-errCh:
		if err != nil {
			fmt.Printf("worker exited: %s\n", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx, 10*time.Second); err != nil {
		fmt.Printf("shutdown error: %s\n", err)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "jobqueue-worker",
		Short: "run a jobqueue worker process against a configured broker",
		Run:   runWorker,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.Flags().StringVar(&adminAddr, "admin-addr", ":9110", "address to serve /metrics on")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 10, "bounded in-flight handler dispatches across all consumers")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
