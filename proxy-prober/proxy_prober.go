package proxyprober

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/sync/errgroup"

	"github.com/proxyja4/proxyja4/support/fsutil"
	supportlog "github.com/proxyja4/proxyja4/support/log"
)

const (
	defaultCapturesDir    = "./captures"
	defaultRequestTimeout = 15 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	resultsFile           = "comprehensive_test_results.json"
	directProxy           = "direct"
)

// ErrProbesFailed is returned when at least one probe did not succeed.
var ErrProbesFailed = errors.New("some proxy probes failed")

var (
	defaultProxies = []ProxyConfig{
		{Name: directProxy, Description: "Direct connection (no proxy)"},
		{Name: "squid", URL: "http://127.0.0.1:3128", Description: "Squid proxy with SSL bump"},
		{Name: "mitmproxy", URL: "http://127.0.0.1:8080", Description: "mitmproxy with TLS interception"},
	}
	defaultTargets = []string{
		"https://github.com",
		"https://httpbin.org/get",
		"https://ipinfo.io",
		"https://example.com",
	}

	nowFunc = time.Now
)

// ProxyConfig is one way of reaching the targets. An empty URL means a direct connection.
type ProxyConfig struct {
	Name        string `json:"name"`
	URL         string `json:"proxy_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// Result is the outcome of one request to a target through a proxy.
type Result struct {
	Proxy      string `json:"proxy"`
	URL        string `json:"url"`
	Success    bool   `json:"success"`
	ReturnCode int    `json:"return_code"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type TestRun struct {
	ID              string `json:"id"`
	Timestamp       string `json:"timestamp"`
	TotalProxies    int    `json:"total_proxies"`
	TotalTests      int    `json:"total_tests"`
	SuccessfulTests int    `json:"successful_tests"`
}

// Report is the results file layout.
type Report struct {
	TestRun      TestRun       `json:"test_run"`
	ProxyConfigs []ProxyConfig `json:"proxy_configs"`
	TestHosts    []string      `json:"test_hosts"`
	Results      []Result      `json:"results"`
}

type proxyFlag struct {
	val []ProxyConfig
}

func (p *proxyFlag) Set(v string) error {
	name, raw, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("%q is not in name=url format", v)
	}
	if raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid proxy url %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("unsupported proxy scheme %q in %q, must be http, https or socks5", u.Scheme, raw)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy url %q has no host", raw)
		}
	}
	p.val = append(p.val, ProxyConfig{Name: name, URL: raw})
	return nil
}

func (p *proxyFlag) String() string {
	var parts []string
	for _, c := range p.val {
		parts = append(parts, c.Name+"="+c.URL)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (p *proxyFlag) Type() string {
	return "proxyFlag"
}

type options struct {
	proxies         proxyFlag
	targets         []string
	noProxy         string
	capturesDir     string
	requestTimeout  time.Duration
	healthTimeout   time.Duration
	metricsTextfile string
	logLevel        string
}

// NewCommand creates the proxy-prober command with its wait and versions subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy-prober",
		Short: "Sends test traffic to a set of targets directly and through each intercepting proxy",
		Long: `Sends one request to every target directly and through every configured proxy, with TLS
verification disabled so intercepted connections succeed. Results are written to the captures directory and
the command fails when any request failed.`,
		SilenceUsage: true,
	}

	opts := options{
		capturesDir:    defaultCapturesDir,
		requestTimeout: defaultRequestTimeout,
		healthTimeout:  defaultHealthTimeout,
	}
	cmd.Flags().Var(&opts.proxies, "proxy", "Proxy to probe through as name=url, an empty url means direct. Can be passed multiple times (defaults to direct, squid and mitmproxy)")
	cmd.Flags().StringArrayVar(&opts.targets, "target", nil, "Target URL, can be passed multiple times")
	cmd.Flags().StringVar(&opts.noProxy, "no-proxy", os.Getenv("NO_PROXY"), "Comma separated hosts that bypass every proxy")
	cmd.Flags().StringVar(&opts.capturesDir, "captures-dir", opts.capturesDir, "Directory the results file is written to")
	cmd.Flags().DurationVar(&opts.requestTimeout, "timeout", opts.requestTimeout, "Timeout of each probe request")
	cmd.Flags().DurationVar(&opts.healthTimeout, "health-timeout", opts.healthTimeout, "Timeout of each proxy health check")
	cmd.Flags().StringVar(&opts.metricsTextfile, "metrics-textfile", "", "Write probe metrics in textfile exposition format to this path")
	supportlog.BindFlags(cmd.PersistentFlags(), &opts.logLevel)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		log, err := supportlog.New(opts.logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("proxy-prober")
		if err := opts.run(cmd.Context(), log); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	cmd.AddCommand(newWaitCommand(&opts.logLevel), newVersionsCommand())
	return cmd
}

func (o *options) proxyConfigs() []ProxyConfig {
	if len(o.proxies.val) == 0 {
		return defaultProxies
	}
	return o.proxies.val
}

func (o *options) targetURLs() []string {
	if len(o.targets) == 0 {
		return defaultTargets
	}
	return o.targets
}

func (o *options) run(ctx context.Context, log logr.Logger) error {
	report, err := o.probeAll(ctx, log, newProbeMetrics())
	if err != nil {
		return err
	}

	if err := fsutil.EnsureDirs(0o755, o.capturesDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	path := filepath.Join(o.capturesDir, resultsFile)
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	log.Info("detailed results saved", "path", path)

	if failed := report.TestRun.TotalTests - report.TestRun.SuccessfulTests; failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrProbesFailed, failed, report.TestRun.TotalTests)
	}
	log.Info("all tests passed")
	return nil
}

func (o *options) probeAll(ctx context.Context, log logr.Logger, metrics *probeMetrics) (*Report, error) {
	proxies := o.proxyConfigs()
	targets := o.targetURLs()
	log.Info("starting proxy test suite", "proxies", len(proxies), "targetsPerProxy", len(targets))

	perProxy := make([][]Result, len(proxies))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, p := range proxies {
		group.Go(func() error {
			results, err := o.probeProxy(groupCtx, log.WithValues("proxy", p.Name), metrics, p, targets)
			perProxy[i] = results
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		ProxyConfigs: proxies,
		TestHosts:    targets,
		Results:      []Result{},
	}
	for i, results := range perProxy {
		passed := 0
		for _, r := range results {
			if r.Success {
				passed++
			}
		}
		log.Info(fmt.Sprintf("%s: %d/%d tests passed", proxies[i].Name, passed, len(results)))
		report.Results = append(report.Results, results...)
		report.TestRun.SuccessfulTests += passed
	}
	report.TestRun.ID = uuid.New().String()
	report.TestRun.Timestamp = nowFunc().Format(time.RFC3339)
	report.TestRun.TotalProxies = len(proxies)
	report.TestRun.TotalTests = len(report.Results)

	if o.metricsTextfile != "" {
		if err := metrics.writeTextfile(o.metricsTextfile); err != nil {
			return nil, fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return report, nil
}

func (o *options) probeProxy(ctx context.Context, log logr.Logger, metrics *probeMetrics, p ProxyConfig, targets []string) ([]Result, error) {
	var proxyURL *url.URL
	if p.URL != "" {
		var err error
		proxyURL, err = url.Parse(p.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url for proxy %s: %w", p.Name, err)
		}
		if !o.healthy(ctx, proxyURL) {
			log.Info("Warning: proxy health check failed, continuing with test")
		}
	}

	client := &http.Client{
		Timeout:   o.requestTimeout,
		Transport: o.transport(p.URL),
	}
	defer client.CloseIdleConnections()

	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		start := time.Now()
		r := probe(ctx, client, p.Name, target)
		metrics.observe(p.Name, r.Success, time.Since(start))
		if r.Error != "" {
			log.Info("test failed", "url", target, "error", r.Error)
		} else {
			log.Info("received response", "url", target, "statuscode", r.ReturnCode)
		}
		results = append(results, r)
	}
	return results, nil
}

// transport routes requests through proxyURL unless the target matches no-proxy. Loopback targets always go direct.
// Certificates are only left unverified through a proxy, whose interception CA the host may not trust.
func (o *options) transport(proxyURL string) *http.Transport {
	cfg := &httpproxy.Config{
		HTTPProxy:  proxyURL,
		HTTPSProxy: proxyURL,
		NoProxy:    o.noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return proxyFunc(req.URL)
		},
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: proxyURL != ""},
		DisableKeepAlives: true,
	}
}

func probe(ctx context.Context, client *http.Client, proxy, target string) Result {
	r := Result{Proxy: proxy, URL: target}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		r.Error = err.Error()
		r.Timestamp = nowFunc().Format(time.RFC3339Nano)
		return r
	}
	resp, err := client.Do(req)
	r.Timestamp = nowFunc().Format(time.RFC3339Nano)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	r.ReturnCode = resp.StatusCode
	r.Success = resp.StatusCode < 500
	return r
}

// healthy reports whether the proxy answers. HTTP proxies must answer a plain GET with a status below 500,
// SOCKS proxies must accept a TCP connection.
func (o *options) healthy(ctx context.Context, proxyURL *url.URL) bool {
	ctx, cancel := context.WithTimeout(ctx, o.healthTimeout)
	defer cancel()

	if proxyURL.Scheme == "socks5" {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxyURL.Scheme+"://"+proxyURL.Host, nil)
	if err != nil {
		return false
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           nil,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
