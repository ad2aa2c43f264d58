package mitmproxybootstrap

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"go.uber.org/mock/gomock"

	"github.com/proxyja4/proxyja4/support/fsutil"
	"github.com/proxyja4/proxyja4/support/packages"
	"github.com/proxyja4/proxyja4/support/process"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("When the capture tool is present it should exec the proxy with the fixed listener", func(t *testing.T) {
		g := NewWithT(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		confDir := filepath.Join(t.TempDir(), ".mitmproxy")

		opts := &options{
			captureTool: defaultCaptureTool,
			proxyBinary: defaultProxyBinary,
			listenHost:  defaultListenHost,
			listenPort:  defaultListenPort,
			confDir:     confDir,
		}
		gomock.InOrder(
			runner.EXPECT().LookPath("tcpdump").Return("/usr/bin/tcpdump", nil),
			runner.EXPECT().Exec("mitmdump", []string{
				"--listen-host", "0.0.0.0",
				"--listen-port", "8080",
				"--set", "confdir=" + confDir,
			}, nil).Return(nil),
		)

		g.Expect(opts.run(ctx, logr.Discard(), runner)).To(Succeed())
		g.Expect(fsutil.IsDir(confDir)).To(BeTrue())
	})

	t.Run("When the context is cancelled during setup it should not exec the proxy", func(t *testing.T) {
		g := NewWithT(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		opts := &options{
			captureTool: defaultCaptureTool,
			proxyBinary: defaultProxyBinary,
			listenHost:  defaultListenHost,
			listenPort:  defaultListenPort,
			confDir:     filepath.Join(t.TempDir(), ".mitmproxy"),
		}
		runner.EXPECT().LookPath("tcpdump").Return("/usr/bin/tcpdump", nil)
		runner.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		g.Expect(opts.run(cancelled, logr.Discard(), runner)).To(Succeed())
	})

	t.Run("When extra args are given they should follow the fixed args", func(t *testing.T) {
		g := NewWithT(t)
		opts := &options{
			listenHost: "127.0.0.1",
			listenPort: 9090,
			confDir:    "/conf",
			extraArgs:  []string{"--ssl-insecure"},
		}
		g.Expect(opts.proxyArgs()).To(Equal([]string{
			"--listen-host", "127.0.0.1",
			"--listen-port", "9090",
			"--set", "confdir=/conf",
			"--ssl-insecure",
		}))
	})

	t.Run("When the capture tool is missing it should install it before launching", func(t *testing.T) {
		g := NewWithT(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := &options{
			captureTool: defaultCaptureTool,
			proxyBinary: defaultProxyBinary,
			listenHost:  defaultListenHost,
			listenPort:  defaultListenPort,
			confDir:     t.TempDir(),
		}
		gomock.InOrder(
			runner.EXPECT().LookPath("tcpdump").Return("", exec.ErrNotFound),
			runner.EXPECT().LookPath("apk").Return("/sbin/apk", nil),
			runner.EXPECT().Run(ctx, "apk", "add", "--no-cache", "tcpdump").Return(nil),
			runner.EXPECT().LookPath("tcpdump").Return("/usr/bin/tcpdump", nil),
			runner.EXPECT().Exec("mitmdump", gomock.Any(), nil).Return(nil),
		)

		g.Expect(opts.run(ctx, logr.Discard(), runner)).To(Succeed())
	})

	t.Run("When installation fails it should not launch the proxy", func(t *testing.T) {
		g := NewWithT(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := &options{
			captureTool: defaultCaptureTool,
			proxyBinary: defaultProxyBinary,
			confDir:     t.TempDir(),
		}
		runner.EXPECT().LookPath(gomock.Any()).Return("", exec.ErrNotFound).AnyTimes()

		err := opts.run(ctx, logr.Discard(), runner)
		g.Expect(err).To(MatchError(packages.ErrNoPackageManager))
	})

	t.Run("When exec fails it should return the error", func(t *testing.T) {
		g := NewWithT(t)
		ctrl := gomock.NewController(t)
		runner := process.NewMockRunner(ctrl)
		opts := &options{
			captureTool: defaultCaptureTool,
			proxyBinary: defaultProxyBinary,
			confDir:     t.TempDir(),
		}
		runner.EXPECT().LookPath("tcpdump").Return("/usr/bin/tcpdump", nil)
		runner.EXPECT().Exec("mitmdump", gomock.Any(), nil).Return(errors.New("exec format error"))

		err := opts.run(ctx, logr.Discard(), runner)
		g.Expect(err).To(MatchError(ContainSubstring("failed to launch mitmdump")))
	})
}

func TestNewRunCommand(t *testing.T) {
	g := NewWithT(t)
	cmd := NewRunCommand()
	g.Expect(cmd.Flags().Lookup("listen-port").DefValue).To(Equal("8080"))
	g.Expect(cmd.Flags().Lookup("confdir").DefValue).To(Equal(defaultConfDir))
	g.Expect(cmd.Flags().Lookup("capture-tool").DefValue).To(Equal("tcpdump"))
}
