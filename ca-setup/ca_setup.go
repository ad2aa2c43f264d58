package casetup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/proxyja4/proxyja4/support/certs"
	"github.com/proxyja4/proxyja4/support/fsutil"
	supportlog "github.com/proxyja4/proxyja4/support/log"
	"github.com/proxyja4/proxyja4/support/process"
	"github.com/proxyja4/proxyja4/support/version"
)

const (
	defaultCommonName    = "ProxyJA4CA"
	defaultTrustDir      = "/usr/local/share/ca-certificates"
	defaultUpdateCommand = "update-ca-certificates"
	defaultWaitTimeout   = 60 * time.Second
	defaultPollInterval  = 2 * time.Second

	// minCARemainingValidity is how long an existing CA must still be valid to be reported as healthy.
	minCARemainingValidity = 30 * certs.ValidityOneDay

	caKeyFile  = "proxy-ca.key.pem"
	caCertFile = "proxy-ca.cert.pem"
)

// Source is a CA certificate published by a proxy container and the name it is installed under.
type Source struct {
	Path string
	Name string
}

var defaultSources = []Source{
	{Path: "/mitm_ca/mitmproxy-ca-cert.pem", Name: "mitmproxy-ca.crt"},
	{Path: "/shared_ca_cert.pem", Name: "squid-ca.crt"},
}

// layout lists the project directories relative to the root.
var layout = []string{
	"logs",
	"certificates",
	"captures",
	filepath.Join("captures", "mitmproxy"),
	filepath.Join("captures", "squid"),
	filepath.Join("configs", "squid", "runtime"),
	filepath.Join("configs", "squid", "templates"),
	filepath.Join("configs", "mitmproxy", "runtime"),
	filepath.Join("configs", "mitmproxy", "templates"),
	filepath.Join("configs", "burp", "runtime"),
	filepath.Join("configs", "burp", "templates"),
}

var sdNotifyFunc = daemon.SdNotify

type sourceFlag struct {
	val []Source
}

func (s *sourceFlag) Set(v string) error {
	path, name, ok := strings.Cut(v, "=")
	if !ok || path == "" || name == "" {
		return fmt.Errorf("%q is not in path=name format", v)
	}
	s.val = append(s.val, Source{Path: path, Name: name})
	return nil
}

func (s *sourceFlag) String() string {
	var parts []string
	for _, src := range s.val {
		parts = append(parts, src.Path+"="+src.Name)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s *sourceFlag) Type() string {
	return "sourceFlag"
}

type options struct {
	root          string
	commonName    string
	install       bool
	sources       sourceFlag
	trustDir      string
	updateCommand string
	waitTimeout   time.Duration
	pollInterval  time.Duration
	keySize       int
	logLevel      string
}

// NewRunCommand creates the CA setup command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca-setup",
		Short: "Creates the project layout and the shared interception CA, optionally installing proxy CAs into the trust store",
		Long: `Creates the project directory layout and generates the shared interception CA when it does not
exist yet, then validates it. With --install the command waits for the CA certificates the proxy containers
publish, installs them into the system trust store and keeps running so the container stays up.`,
		SilenceUsage: true,
	}

	opts := options{
		root:          ".",
		commonName:    defaultCommonName,
		trustDir:      defaultTrustDir,
		updateCommand: defaultUpdateCommand,
		waitTimeout:   defaultWaitTimeout,
		pollInterval:  defaultPollInterval,
		keySize:       certs.DefaultKeySize,
	}
	cmd.Flags().StringVar(&opts.root, "project-root", opts.root, "Project root the layout is created in")
	cmd.Flags().StringVar(&opts.commonName, "common-name", opts.commonName, "Common name of the generated CA")
	cmd.Flags().BoolVar(&opts.install, "install", false, "Install the proxy CA certificates into the trust store and keep running")
	cmd.Flags().Var(&opts.sources, "ca-source", "CA certificate to install as path=name, can be passed multiple times (defaults to the mitmproxy and squid CAs)")
	cmd.Flags().StringVar(&opts.trustDir, "trust-dir", opts.trustDir, "Directory of locally trusted CA certificates")
	cmd.Flags().StringVar(&opts.updateCommand, "update-command", opts.updateCommand, "Command that rebuilds the trust store")
	cmd.Flags().DurationVar(&opts.waitTimeout, "wait-timeout", opts.waitTimeout, "How long to wait for each CA certificate")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", opts.pollInterval, "How often to check for a CA certificate")
	supportlog.BindFlags(cmd.Flags(), &opts.logLevel)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		log, err := supportlog.New(opts.logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("ca-setup")
		log.Info("Starting ca-setup", "version", version.String())

		if err := opts.run(cmd.Context(), log, process.NewOSRunner(log)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	return cmd
}

func (o *options) keyPath() string {
	return filepath.Join(o.root, "certificates", caKeyFile)
}

func (o *options) certPath() string {
	return filepath.Join(o.root, "certificates", caCertFile)
}

func (o *options) run(ctx context.Context, log logr.Logger, runner process.Runner) error {
	if err := EnsureLayout(o.root); err != nil {
		// Layout problems are reported and setup continues with what exists.
		log.Error(err, "failed to create project layout")
	}

	cfg := certs.CACfg(o.commonName)
	cfg.KeySize = o.keySize
	generated, err := certs.ReconcileSelfSignedCAFiles(o.keyPath(), o.certPath(), cfg)
	if err != nil {
		log.Error(err, "failed to generate CA")
	} else if generated {
		log.Info("generated CA", "key", o.keyPath(), "cert", o.certPath())
	} else {
		log.Info("CA key and certificate already exist", "key", o.keyPath(), "cert", o.certPath())
	}

	if info, err := certs.ValidateCAFiles(o.keyPath(), o.certPath()); err != nil {
		log.Error(err, "CA certificate is missing or invalid", "cert", o.certPath())
	} else if err := info.Check(cfg, minCARemainingValidity); err != nil {
		log.Error(err, "CA certificate does not match the expected CA, delete the pair to regenerate it", "cert", o.certPath(), "subject", info.Subject)
	} else {
		log.Info("CA certificate is valid", "cert", o.certPath(), "subject", info.Subject, "notAfter", info.NotAfter.Format(time.RFC3339))
	}

	if !o.install {
		return o.reportFiles(log)
	}

	o.installAll(ctx, log, runner)
	log.Info("CA installation complete, container ready for testing")
	if _, err := sdNotifyFunc(false, daemon.SdNotifyReady); err != nil {
		log.V(1).Info("failed to notify readiness", "error", err.Error())
	}
	<-ctx.Done()
	return nil
}

// EnsureLayout creates the project directories under root.
func EnsureLayout(root string) error {
	dirs := make([]string, 0, len(layout))
	for _, d := range layout {
		dirs = append(dirs, filepath.Join(root, d))
	}
	return fsutil.EnsureDirs(0o755, dirs...)
}

func (o *options) reportFiles(log logr.Logger) error {
	if fsutil.IsFile(o.keyPath()) && fsutil.IsFile(o.certPath()) {
		log.Info("CA files ready, containers can be started", "key", o.keyPath(), "cert", o.certPath())
		return nil
	}
	return fmt.Errorf("CA files missing, expected key %s and cert %s", o.keyPath(), o.certPath())
}

func (o *options) installAll(ctx context.Context, log logr.Logger, runner process.Runner) {
	sources := o.sources.val
	if len(sources) == 0 {
		sources = defaultSources
	}

	for _, src := range sources {
		log := log.WithValues("source", src.Path)
		log.Info("waiting for CA certificate", "timeout", o.waitTimeout.String())
		if err := o.waitForFile(ctx, src.Path); err != nil {
			log.Info("CA certificate not found within timeout")
			continue
		}
		dst := filepath.Join(o.trustDir, src.Name)
		if err := installCA(src.Path, dst); err != nil {
			log.Error(err, "failed to install CA certificate")
			continue
		}
		log.Info("installed CA certificate", "destination", dst)
	}

	if runtime.GOOS != "linux" {
		return
	}
	if err := runner.Run(ctx, o.updateCommand); err != nil {
		log.Error(err, "failed to update CA certificates")
		return
	}
	log.Info("CA certificates updated")
}

func (o *options) waitForFile(ctx context.Context, path string) error {
	return wait.PollUntilContextTimeout(ctx, o.pollInterval, o.waitTimeout, true, func(context.Context) (bool, error) {
		return fsutil.Exists(path), nil
	})
}

func installCA(src, dst string) error {
	if err := fsutil.EnsureDirs(0o755, filepath.Dir(dst)); err != nil {
		return err
	}
	return fsutil.CopyFile(src, dst, 0o644)
}
