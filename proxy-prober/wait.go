package proxyprober

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	supportlog "github.com/proxyja4/proxyja4/support/log"
)

type waitOptions struct {
	target         string
	requestTimeout time.Duration
	interval       time.Duration
}

func newWaitCommand(logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wait",
		Short:        "Blocks until a URL returns a 2XX status code",
		SilenceUsage: true,
	}
	opts := waitOptions{
		requestTimeout: time.Second,
		interval:       time.Second,
	}
	cmd.Flags().StringVar(&opts.target, "target", "", "A http url to probe. The program will continue until it gets a http 2XX back.")
	cmd.Flags().DurationVar(&opts.requestTimeout, "request-timeout", opts.requestTimeout, "Timeout of each request")
	cmd.Flags().DurationVar(&opts.interval, "interval", opts.interval, "Time between requests")
	_ = cmd.MarkFlagRequired("target")

	cmd.Run = func(cmd *cobra.Command, args []string) {
		log, err := supportlog.New(*logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("proxy-prober")
		target, err := url.Parse(opts.target)
		if err != nil {
			log.Error(err, fmt.Sprintf("failed to parse %q as url", opts.target))
			os.Exit(1)
		}
		if err := check(cmd.Context(), log, target, opts.requestTimeout, opts.interval); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	return cmd
}

// check polls target until it returns 2XX or ctx ends.
func check(ctx context.Context, log logr.Logger, target *url.URL, requestTimeout time.Duration, sleepTime time.Duration) error {
	log = log.WithValues("sleepTime", sleepTime.String())
	client := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	defer client.CloseIdleConnections()

	for {
		if ok := checkOnce(ctx, log, client, target); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %s: %w", target, ctx.Err())
		case <-time.After(sleepTime):
		}
	}
}

func checkOnce(ctx context.Context, log logr.Logger, client *http.Client, target *url.URL) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		log.Error(err, "Failed to build request")
		return false
	}
	response, err := client.Do(req)
	if err != nil {
		log.Error(err, "Request failed, retrying...")
		return false
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		log.WithValues("statuscode", response.StatusCode).Info("Request didn't return a 2XX status code, retrying...")
		return false
	}
	log.Info("Success", "statuscode", response.StatusCode)
	return true
}
