package squidbootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/proxyja4/proxyja4/support/fsutil"
	supportlog "github.com/proxyja4/proxyja4/support/log"
	"github.com/proxyja4/proxyja4/support/process"
	"github.com/proxyja4/proxyja4/support/version"
)

// ErrCertDBIncomplete is returned when certificate database initialization did not produce the expected layout.
var ErrCertDBIncomplete = errors.New("certificate database is incomplete")

const (
	defaultSquid      = "squid"
	defaultCacheDir   = "/var/spool/squid"
	defaultLogDir     = "/var/log/squid"
	defaultRunDir     = "/var/run/squid"
	defaultSSLDB      = "/var/lib/squid/ssl_db"
	defaultCertgen    = "/usr/lib/squid/security_file_certgen"
	defaultSSLDBSize  = "4MB"
	defaultConfig     = "/etc/squid/squid.conf"
	defaultPIDFile    = "/var/run/squid.pid"
	defaultOwner      = "proxy"
	defaultDebugLevel = 1

	// cacheFormatMarker is the first swap subdirectory squid -z creates.
	cacheFormatMarker = "00"
	certDBIndex       = "index.txt"
	certDBCerts       = "certs"
)

var (
	lookupOwnerFunc = fsutil.LookupOwner
	chownFunc       = fsutil.ChownRecursive
	diagnosticOut   io.Writer = os.Stderr
)

type options struct {
	squid       string
	cacheDir    string
	logDir      string
	runDir      string
	sslDB       string
	certgen     string
	sslDBSize   string
	config      string
	pidFile     string
	owner       string
	debugLevel  int
	lockTimeout time.Duration
	logLevel    string
}

// NewRunCommand creates the entrypoint of the caching proxy container.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "squid-bootstrap",
		Short: "Prepares the cache and certificate database, then runs the caching proxy in the foreground",
		Long: `Creates the cache, log and run directories, formats the cache and initializes the TLS
certificate database once, verifies the database, fixes its ownership and permissions, removes a stale PID
file and replaces itself with the caching proxy. Initialization is serialized with a file lock so containers
sharing a volume never initialize it concurrently.`,
		SilenceUsage: true,
	}

	opts := options{
		squid:       defaultSquid,
		cacheDir:    defaultCacheDir,
		logDir:      defaultLogDir,
		runDir:      defaultRunDir,
		sslDB:       defaultSSLDB,
		certgen:     defaultCertgen,
		sslDBSize:   defaultSSLDBSize,
		config:      defaultConfig,
		pidFile:     defaultPIDFile,
		owner:       defaultOwner,
		debugLevel:  defaultDebugLevel,
		lockTimeout: fsutil.DefaultLockTimeout,
	}
	cmd.Flags().StringVar(&opts.squid, "squid", opts.squid, "Caching proxy executable")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", opts.cacheDir, "Cache directory")
	cmd.Flags().StringVar(&opts.logDir, "log-dir", opts.logDir, "Log directory")
	cmd.Flags().StringVar(&opts.runDir, "run-dir", opts.runDir, "Runtime directory")
	cmd.Flags().StringVar(&opts.sslDB, "ssl-db", opts.sslDB, "TLS certificate database directory")
	cmd.Flags().StringVar(&opts.certgen, "certgen", opts.certgen, "Certificate database helper executable")
	cmd.Flags().StringVar(&opts.sslDBSize, "ssl-db-size", opts.sslDBSize, "Maximum certificate database size")
	cmd.Flags().StringVar(&opts.config, "config", opts.config, "Caching proxy configuration file")
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", opts.pidFile, "PID file removed before launch")
	cmd.Flags().StringVar(&opts.owner, "owner", opts.owner, "Owner of the cache and certificate directories, user[:group]")
	cmd.Flags().IntVar(&opts.debugLevel, "debug-level", opts.debugLevel, "Caching proxy debug verbosity")
	cmd.Flags().DurationVar(&opts.lockTimeout, "lock-timeout", opts.lockTimeout, "How long to wait for the initialization lock")
	supportlog.BindFlags(cmd.Flags(), &opts.logLevel)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		log, err := supportlog.New(opts.logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("squid-bootstrap")
		log.Info("Starting squid-bootstrap", "version", version.String())

		if err := opts.run(cmd.Context(), log, process.NewOSRunner(log)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	return cmd
}

func (o *options) run(ctx context.Context, log logr.Logger, runner process.Runner) error {
	uid, gid, err := lookupOwnerFunc(o.owner)
	if err != nil {
		return fmt.Errorf("failed to resolve owner: %w", err)
	}

	if err := fsutil.EnsureDirs(0o755, o.cacheDir, o.logDir, o.runDir, filepath.Dir(o.sslDB)); err != nil {
		return err
	}
	for _, dir := range []string{o.cacheDir, o.logDir, o.runDir} {
		if err := chownFunc(dir, uid, gid); err != nil {
			return err
		}
	}

	lockPath := o.sslDB + ".lock"
	log.V(1).Info("acquiring initialization lock", "path", lockPath)
	lock, err := fsutil.AcquireLock(lockPath, o.lockTimeout, fsutil.DefaultRetryInterval)
	if err != nil {
		return err
	}
	err = o.initialize(ctx, log, runner, uid, gid)
	if unlockErr := lock.Unlock(); unlockErr != nil {
		log.Error(unlockErr, "failed to release initialization lock", "path", lockPath)
	}
	if err != nil {
		return err
	}

	if err := os.Remove(o.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale pid file %s: %w", o.pidFile, err)
	}

	if ctx.Err() != nil {
		log.Info("terminated before launching the caching proxy")
		return nil
	}

	args := []string{"-N", "-d", strconv.Itoa(o.debugLevel), "-f", o.config}
	log.Info("launching caching proxy", "config", o.config, "debugLevel", o.debugLevel)
	if err := runner.Exec(o.squid, args, nil); err != nil {
		return fmt.Errorf("failed to launch %s: %w", o.squid, err)
	}
	return nil
}

// initialize runs the one-time cache and certificate database setup. Callers hold the lock.
func (o *options) initialize(ctx context.Context, log logr.Logger, runner process.Runner, uid, gid int) error {
	if fsutil.Exists(filepath.Join(o.cacheDir, cacheFormatMarker)) {
		log.Info("cache already formatted", "cacheDir", o.cacheDir)
	} else {
		log.Info("formatting cache", "cacheDir", o.cacheDir)
		if err := runner.Run(ctx, o.squid, "-z", "-N", "-f", o.config); err != nil {
			return fmt.Errorf("failed to format cache: %w", err)
		}
	}

	if fsutil.Exists(filepath.Join(o.sslDB, certDBIndex)) {
		log.Info("certificate database already initialized", "sslDB", o.sslDB)
	} else {
		// The helper refuses to initialize into an existing directory.
		if err := os.RemoveAll(o.sslDB); err != nil {
			return fmt.Errorf("failed to remove partial certificate database: %w", err)
		}
		log.Info("initializing certificate database", "sslDB", o.sslDB, "size", o.sslDBSize)
		if err := runner.Run(ctx, o.certgen, "-c", "-s", o.sslDB, "-M", o.sslDBSize); err != nil {
			return fmt.Errorf("failed to initialize certificate database: %w", err)
		}
	}

	if err := o.verifyCertDB(); err != nil {
		return err
	}

	if err := chownFunc(o.sslDB, uid, gid); err != nil {
		return err
	}
	if err := os.Chmod(o.sslDB, 0o700); err != nil {
		return fmt.Errorf("failed to restrict certificate database permissions: %w", err)
	}
	return nil
}

func (o *options) verifyCertDB() error {
	var missing []string
	if !fsutil.IsFile(filepath.Join(o.sslDB, certDBIndex)) {
		missing = append(missing, certDBIndex)
	}
	if !fsutil.IsDir(filepath.Join(o.sslDB, certDBCerts)) {
		missing = append(missing, certDBCerts+"/")
	}
	if len(missing) == 0 {
		return nil
	}

	fmt.Fprintf(diagnosticOut, "Certificate database %s is missing %s. Contents:\n", o.sslDB, strings.Join(missing, ", "))
	entries, err := os.ReadDir(o.sslDB)
	if err != nil {
		fmt.Fprintf(diagnosticOut, "  (unreadable: %v)\n", err)
	}
	for _, e := range entries {
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		fmt.Fprintf(diagnosticOut, "  %s%s\n", e.Name(), suffix)
	}
	return fmt.Errorf("%w: %s is missing %s", ErrCertDBIncomplete, o.sslDB, strings.Join(missing, ", "))
}
