package pcapcapture

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/proxyja4/proxyja4/support/fsutil"
	supportlog "github.com/proxyja4/proxyja4/support/log"
	"github.com/proxyja4/proxyja4/support/process"
)

const (
	defaultContainer   = "capture_poc"
	defaultCapturesDir = "./captures"
	defaultInterface   = "eth0"
	defaultOutput      = "test.pcap"
	defaultDocker      = "docker"
	defaultFlushDelay  = 2 * time.Second

	// autoOutput asks for a timestamped capture name.
	autoOutput = "auto"
	// containerCapturesDir is where the captures volume is mounted inside the containers.
	containerCapturesDir = "/captures"
	currentCaptureFile   = ".current_capture"
	captureFilter        = "tcp and port 443"
	// pkillNoMatch is pkill's exit status when no process matched.
	pkillNoMatch = 1
)

var nowFunc = time.Now

type options struct {
	containers  []string
	capturesDir string
	iface       string
	output      string
	docker      string
	flushDelay  time.Duration
	logLevel    string
}

// NewCommand creates the pcap-capture command with its start and stop subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcap-capture",
		Short: "Starts and stops TLS packet captures inside running proxy containers",
	}

	opts := options{
		capturesDir: defaultCapturesDir,
		iface:       defaultInterface,
		output:      defaultOutput,
		docker:      defaultDocker,
		flushDelay:  defaultFlushDelay,
	}
	cmd.PersistentFlags().StringArrayVar(&opts.containers, "container", nil, "Container to capture in, can be passed multiple times (default "+defaultContainer+")")
	cmd.PersistentFlags().StringVar(&opts.capturesDir, "captures-dir", opts.capturesDir, "Host directory captures are copied to")
	cmd.PersistentFlags().StringVar(&opts.docker, "docker", opts.docker, "Container CLI executable")
	supportlog.BindFlags(cmd.PersistentFlags(), &opts.logLevel)

	start := &cobra.Command{
		Use:          "start",
		Short:        "Starts tcpdump in every container",
		SilenceUsage: true,
	}
	start.Flags().StringVar(&opts.iface, "interface", opts.iface, "Network interface to capture on")
	start.Flags().StringVar(&opts.output, "output", opts.output, "Capture file name, "+autoOutput+" for a timestamped name")
	start.Run = func(cmd *cobra.Command, args []string) {
		execute(cmd.Context(), &opts, (*options).start)
	}

	stop := &cobra.Command{
		Use:          "stop",
		Short:        "Stops tcpdump in every container and copies the capture to the host",
		SilenceUsage: true,
	}
	stop.Flags().DurationVar(&opts.flushDelay, "flush-delay", opts.flushDelay, "How long tcpdump gets to flush after being interrupted")
	stop.Run = func(cmd *cobra.Command, args []string) {
		execute(cmd.Context(), &opts, (*options).stop)
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func execute(ctx context.Context, opts *options, action func(*options, context.Context, logr.Logger, process.Runner) error) {
	log, err := supportlog.New(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log = log.WithName("pcap-capture")
	if err := action(opts, ctx, log, process.NewOSRunner(log)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// targets returns the deduplicated containers in the order they were given.
func (o *options) targets() []string {
	if len(o.containers) == 0 {
		return []string{defaultContainer}
	}
	seen := sets.New[string]()
	var result []string
	for _, c := range o.containers {
		if c == "" || seen.Has(c) {
			continue
		}
		seen.Insert(c)
		result = append(result, c)
	}
	return result
}

// captureName resolves the file name and scopes it per container when several share the captures volume.
func (o *options) captureName(name, container string, containers int) string {
	if containers > 1 {
		return container + "_" + name
	}
	return name
}

func (o *options) resolveOutput() string {
	if o.output == autoOutput {
		return fmt.Sprintf("capture_%s.pcap", nowFunc().Format("20060102_150405"))
	}
	return o.output
}

func (o *options) start(ctx context.Context, log logr.Logger, runner process.Runner) error {
	if err := fsutil.EnsureDirs(0o755, o.capturesDir); err != nil {
		return err
	}
	name := o.resolveOutput()
	containers := o.targets()

	var errs []error
	started := 0
	for _, c := range containers {
		if err := o.startIn(ctx, log.WithValues("container", c), runner, c, o.captureName(name, c, len(containers))); err != nil {
			errs = append(errs, err)
			continue
		}
		started++
	}
	if started == 0 {
		return utilerrors.NewAggregate(errs)
	}
	if err := fsutil.WriteAtomic(filepath.Join(o.capturesDir, currentCaptureFile), []byte(name), 0o644); err != nil {
		errs = append(errs, fmt.Errorf("failed to record current capture: %w", err))
	}
	return utilerrors.NewAggregate(errs)
}

func (o *options) startIn(ctx context.Context, log logr.Logger, runner process.Runner, container, name string) error {
	if err := o.checkRunning(ctx, runner, container); err != nil {
		return err
	}
	if err := o.ensureTcpdump(ctx, log, runner, container); err != nil {
		return err
	}

	o.interrupt(ctx, log, runner, container, true)

	target := path.Join(containerCapturesDir, name)
	args := []string{"exec", "-d", container, "tcpdump", "-i", o.iface, "-w", target}
	args = append(args, strings.Fields(captureFilter)...)
	if _, err := runner.Output(ctx, o.docker, args...); err != nil {
		return fmt.Errorf("failed to start tcpdump in %s on interface %s: %w", container, o.iface, err)
	}
	log.Info("tcpdump started", "interface", o.iface, "file", target)
	return nil
}

func (o *options) stop(ctx context.Context, log logr.Logger, runner process.Runner) error {
	if err := fsutil.EnsureDirs(0o755, o.capturesDir); err != nil {
		return err
	}
	containers := o.targets()

	var running []string
	var errs []error
	for _, c := range containers {
		if err := o.checkRunning(ctx, runner, c); err != nil {
			errs = append(errs, err)
			continue
		}
		o.interrupt(ctx, log.WithValues("container", c), runner, c, false)
		running = append(running, c)
	}
	if len(running) == 0 {
		return utilerrors.NewAggregate(errs)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.flushDelay):
	}

	name := o.currentCapture()
	for _, c := range running {
		if err := o.copyCapture(ctx, log.WithValues("container", c), runner, c, o.captureName(name, c, len(containers))); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (o *options) currentCapture() string {
	data, err := os.ReadFile(filepath.Join(o.capturesDir, currentCaptureFile))
	if err != nil {
		return defaultOutput
	}
	if name := strings.TrimSpace(string(data)); name != "" {
		return name
	}
	return defaultOutput
}

func (o *options) checkRunning(ctx context.Context, runner process.Runner, container string) error {
	out, err := runner.Output(ctx, o.docker, "ps", "-q", "-f", "name="+container)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return fmt.Errorf("container %s is not running, start it with 'docker compose up -d'", container)
	}
	return nil
}

func (o *options) ensureTcpdump(ctx context.Context, log logr.Logger, runner process.Runner, container string) error {
	if _, err := runner.Output(ctx, o.docker, "exec", container, "which", "tcpdump"); err != nil {
		log.Info("tcpdump not found in container, installing")
		if _, err := runner.Output(ctx, o.docker, "exec", container, "apk", "add", "tcpdump"); err != nil {
			return fmt.Errorf("failed to install tcpdump in %s: %w", container, err)
		}
		log.Info("tcpdump installed")
	}

	out, err := runner.Output(ctx, o.docker, "exec", container, "tcpdump", "--version")
	if err != nil {
		return fmt.Errorf("failed to get tcpdump version in %s: %w", container, err)
	}
	log.V(1).Info("tcpdump available", "version", strings.Join(strings.Fields(string(out)), " "))
	return nil
}

func (o *options) interrupt(ctx context.Context, log logr.Logger, runner process.Runner, container string, quiet bool) {
	_, err := runner.Output(ctx, o.docker, "exec", container, "pkill", "-INT", "tcpdump")
	switch {
	case err == nil || quiet:
	case process.ExitCode(err) == pkillNoMatch:
		log.Info("tcpdump was not running", "container", container)
	default:
		log.Info("failed to interrupt tcpdump", "container", container, "error", err.Error())
	}
}

func (o *options) copyCapture(ctx context.Context, log logr.Logger, runner process.Runner, container, name string) error {
	dst := filepath.Join(o.capturesDir, name)
	src := container + ":" + path.Join(containerCapturesDir, name)
	if _, err := runner.Output(ctx, o.docker, "cp", src, dst); err != nil {
		return fmt.Errorf("failed to copy %s from %s: %w", name, container, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("%s not found in %s after copy: %w", name, o.capturesDir, err)
	}
	log.Info("capture copied", "file", dst, "bytes", info.Size())
	return nil
}
