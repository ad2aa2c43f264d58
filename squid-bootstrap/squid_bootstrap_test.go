package squidbootstrap

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"go.uber.org/mock/gomock"

	"github.com/proxyja4/proxyja4/support/fsutil"
	"github.com/proxyja4/proxyja4/support/process"
)

func testOptions(t *testing.T) *options {
	root := t.TempDir()
	return &options{
		squid:       defaultSquid,
		cacheDir:    filepath.Join(root, "spool", "squid"),
		logDir:      filepath.Join(root, "log", "squid"),
		runDir:      filepath.Join(root, "run", "squid"),
		sslDB:       filepath.Join(root, "lib", "squid", "ssl_db"),
		certgen:     defaultCertgen,
		sslDBSize:   defaultSSLDBSize,
		config:      defaultConfig,
		pidFile:     filepath.Join(root, "run", "squid.pid"),
		owner:       defaultOwner,
		debugLevel:  defaultDebugLevel,
		lockTimeout: time.Second,
	}
}

// stubOwnership replaces user lookup and chown so tests run unprivileged.
func stubOwnership(t *testing.T) *[]string {
	var chowned []string
	origLookup, origChown := lookupOwnerFunc, chownFunc
	t.Cleanup(func() {
		lookupOwnerFunc, chownFunc = origLookup, origChown
	})
	lookupOwnerFunc = func(owner string) (int, int, error) {
		return 13, 13, nil
	}
	chownFunc = func(root string, uid, gid int) error {
		chowned = append(chowned, root)
		return nil
	}
	return &chowned
}

func captureDiagnostics(t *testing.T) *bytes.Buffer {
	buf := &bytes.Buffer{}
	orig := diagnosticOut
	t.Cleanup(func() { diagnosticOut = orig })
	diagnosticOut = buf
	return buf
}

// formatCache and initCertDB emulate what the real helpers leave on disk.
func formatCache(o *options) func(context.Context, string, ...string) error {
	return func(context.Context, string, ...string) error {
		return os.MkdirAll(filepath.Join(o.cacheDir, "00"), 0o750)
	}
}

func initCertDB(o *options) func(context.Context, string, ...string) error {
	return func(context.Context, string, ...string) error {
		if err := os.MkdirAll(filepath.Join(o.sslDB, "certs"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(o.sslDB, "index.txt"), nil, 0o644)
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	launchArgs := []string{"-N", "-d", "1", "-f", defaultConfig}

	t.Run("When starting fresh it should format, initialize, fix permissions and launch", func(t *testing.T) {
		g := NewWithT(t)
		chowned := stubOwnership(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)
		g.Expect(os.MkdirAll(filepath.Dir(opts.pidFile), 0o755)).To(Succeed())
		g.Expect(os.WriteFile(opts.pidFile, []byte("42"), 0o644)).To(Succeed())

		gomock.InOrder(
			runner.EXPECT().Run(ctx, "squid", "-z", "-N", "-f", defaultConfig).DoAndReturn(formatCache(opts)),
			runner.EXPECT().Run(ctx, defaultCertgen, "-c", "-s", opts.sslDB, "-M", "4MB").DoAndReturn(initCertDB(opts)),
			runner.EXPECT().Exec("squid", launchArgs, nil).Return(nil),
		)

		g.Expect(opts.run(ctx, logr.Discard(), runner)).To(Succeed())
		g.Expect(*chowned).To(Equal([]string{opts.cacheDir, opts.logDir, opts.runDir, opts.sslDB}))
		g.Expect(fsutil.Exists(opts.pidFile)).To(BeFalse())

		info, err := os.Stat(opts.sslDB)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o700)))
	})

	t.Run("When run twice it should not initialize again", func(t *testing.T) {
		g := NewWithT(t)
		stubOwnership(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)

		runner.EXPECT().Run(ctx, "squid", "-z", "-N", "-f", defaultConfig).DoAndReturn(formatCache(opts)).Times(1)
		runner.EXPECT().Run(ctx, defaultCertgen, "-c", "-s", opts.sslDB, "-M", "4MB").DoAndReturn(initCertDB(opts)).Times(1)
		runner.EXPECT().Exec("squid", launchArgs, nil).Return(nil).Times(2)

		g.Expect(opts.run(ctx, logr.Discard(), runner)).To(Succeed())
		g.Expect(opts.run(ctx, logr.Discard(), runner)).To(Succeed())
	})

	t.Run("When the context is cancelled during setup it should not launch", func(t *testing.T) {
		g := NewWithT(t)
		stubOwnership(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)
		g.Expect(formatCache(opts)(ctx, "")).To(Succeed())
		g.Expect(initCertDB(opts)(ctx, "")).To(Succeed())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		runner.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		g.Expect(opts.run(cancelled, logr.Discard(), runner)).To(Succeed())
	})

	t.Run("When a partial certificate database exists it should be recreated", func(t *testing.T) {
		g := NewWithT(t)
		stubOwnership(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)
		g.Expect(os.MkdirAll(filepath.Join(opts.cacheDir, "00"), 0o755)).To(Succeed())
		g.Expect(os.MkdirAll(filepath.Join(opts.sslDB, "certs"), 0o755)).To(Succeed())
		g.Expect(os.WriteFile(filepath.Join(opts.sslDB, "leftover"), nil, 0o644)).To(Succeed())

		gomock.InOrder(
			runner.EXPECT().Run(ctx, defaultCertgen, "-c", "-s", opts.sslDB, "-M", "4MB").DoAndReturn(
				func(ctx context.Context, name string, args ...string) error {
					g.Expect(fsutil.Exists(opts.sslDB)).To(BeFalse(), "partial database must be removed first")
					return initCertDB(opts)(ctx, name, args...)
				}),
			runner.EXPECT().Exec("squid", launchArgs, nil).Return(nil),
		)

		g.Expect(opts.run(ctx, logr.Discard(), runner)).To(Succeed())
		g.Expect(fsutil.Exists(filepath.Join(opts.sslDB, "leftover"))).To(BeFalse())
	})

	t.Run("When the certificate database is incomplete it should abort with a diagnostic", func(t *testing.T) {
		g := NewWithT(t)
		stubOwnership(t)
		diag := captureDiagnostics(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)
		g.Expect(os.MkdirAll(filepath.Join(opts.cacheDir, "00"), 0o755)).To(Succeed())

		runner.EXPECT().Run(ctx, defaultCertgen, "-c", "-s", opts.sslDB, "-M", "4MB").DoAndReturn(
			func(context.Context, string, ...string) error {
				g.Expect(os.MkdirAll(opts.sslDB, 0o755)).To(Succeed())
				return os.WriteFile(filepath.Join(opts.sslDB, "index.txt"), nil, 0o644)
			})

		err := opts.run(ctx, logr.Discard(), runner)
		g.Expect(err).To(MatchError(ErrCertDBIncomplete))
		g.Expect(diag.String()).To(ContainSubstring("missing certs/"))
		g.Expect(diag.String()).To(ContainSubstring("index.txt"))
	})

	t.Run("When the cache format fails it should abort", func(t *testing.T) {
		g := NewWithT(t)
		stubOwnership(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)

		runner.EXPECT().Run(ctx, "squid", "-z", "-N", "-f", defaultConfig).Return(errors.New("exit status 1"))

		err := opts.run(ctx, logr.Discard(), runner)
		g.Expect(err).To(MatchError(ContainSubstring("failed to format cache")))
	})

	t.Run("When another container holds the lock it should time out", func(t *testing.T) {
		g := NewWithT(t)
		stubOwnership(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)
		opts.lockTimeout = 50 * time.Millisecond
		g.Expect(os.MkdirAll(filepath.Dir(opts.sslDB), 0o755)).To(Succeed())

		held, err := fsutil.AcquireLock(opts.sslDB+".lock", time.Second, 10*time.Millisecond)
		g.Expect(err).ToNot(HaveOccurred())
		defer held.Unlock()

		err = opts.run(ctx, logr.Discard(), runner)
		g.Expect(err).To(MatchError(ContainSubstring("timeout acquiring lock")))
	})

	t.Run("When the owner cannot be resolved it should fail before touching anything", func(t *testing.T) {
		g := NewWithT(t)
		stubOwnership(t)
		lookupOwnerFunc = func(string) (int, int, error) {
			return 0, 0, errors.New("unknown user proxy")
		}
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := testOptions(t)

		err := opts.run(ctx, logr.Discard(), runner)
		g.Expect(err).To(MatchError(ContainSubstring("failed to resolve owner")))
		g.Expect(fsutil.Exists(opts.cacheDir)).To(BeFalse())
	})
}
