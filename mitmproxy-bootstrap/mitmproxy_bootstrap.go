package mitmproxybootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/proxyja4/proxyja4/support/fsutil"
	supportlog "github.com/proxyja4/proxyja4/support/log"
	"github.com/proxyja4/proxyja4/support/packages"
	"github.com/proxyja4/proxyja4/support/process"
	"github.com/proxyja4/proxyja4/support/version"
)

const (
	defaultCaptureTool = "tcpdump"
	defaultProxyBinary = "mitmdump"
	defaultListenHost  = "0.0.0.0"
	defaultListenPort  = 8080
	defaultConfDir     = "/home/mitmproxy/.mitmproxy"
)

type options struct {
	captureTool    string
	capturePackage string
	proxyBinary    string
	listenHost     string
	listenPort     int
	confDir        string
	extraArgs      []string
	logLevel       string
}

// NewRunCommand creates the entrypoint of the intercepting proxy container.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mitmproxy-bootstrap [-- extra proxy args]",
		Short: "Ensures a capture tool is installed, then runs the intercepting proxy in the foreground",
		Long: `Ensures the packet capture utility is available inside the container, installing it with the
detected package manager when missing, and then replaces itself with the intercepting proxy bound to all
interfaces. Arguments after -- are passed to the proxy verbatim.`,
		SilenceUsage: true,
	}

	opts := options{
		captureTool: defaultCaptureTool,
		proxyBinary: defaultProxyBinary,
		listenHost:  defaultListenHost,
		listenPort:  defaultListenPort,
		confDir:     defaultConfDir,
	}
	cmd.Flags().StringVar(&opts.captureTool, "capture-tool", opts.captureTool, "Packet capture utility that must be on PATH")
	cmd.Flags().StringVar(&opts.capturePackage, "capture-package", "", "Package providing the capture tool (defaults to the tool name)")
	cmd.Flags().StringVar(&opts.proxyBinary, "proxy-binary", opts.proxyBinary, "Proxy executable to run")
	cmd.Flags().StringVar(&opts.listenHost, "listen-host", opts.listenHost, "Address the proxy listens on")
	cmd.Flags().IntVar(&opts.listenPort, "listen-port", opts.listenPort, "Port the proxy listens on")
	cmd.Flags().StringVar(&opts.confDir, "confdir", opts.confDir, "Proxy configuration directory, holds the generated CA")
	supportlog.BindFlags(cmd.Flags(), &opts.logLevel)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		opts.extraArgs = args
		log, err := supportlog.New(opts.logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("mitmproxy-bootstrap")
		log.Info("Starting mitmproxy-bootstrap", "version", version.String())

		if err := opts.run(cmd.Context(), log, process.NewOSRunner(log)); err != nil {
			log.Error(err, "bootstrap failed")
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	return cmd
}

func (o *options) run(ctx context.Context, log logr.Logger, runner process.Runner) error {
	pkg := o.capturePackage
	if pkg == "" {
		pkg = o.captureTool
	}
	if err := packages.EnsureTool(ctx, log, runner, o.captureTool, pkg); err != nil {
		return err
	}

	if err := fsutil.EnsureDirs(0o755, o.confDir); err != nil {
		return err
	}

	if ctx.Err() != nil {
		log.Info("terminated before launching the proxy")
		return nil
	}

	args := o.proxyArgs()
	log.Info("launching proxy", "binary", o.proxyBinary, "listenHost", o.listenHost, "listenPort", o.listenPort, "confdir", o.confDir)
	if err := runner.Exec(o.proxyBinary, args, nil); err != nil {
		return fmt.Errorf("failed to launch %s: %w", o.proxyBinary, err)
	}
	return nil
}

func (o *options) proxyArgs() []string {
	args := []string{
		"--listen-host", o.listenHost,
		"--listen-port", strconv.Itoa(o.listenPort),
		"--set", "confdir=" + o.confDir,
	}
	return append(args, o.extraArgs...)
}
