package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	burpbootstrap "github.com/proxyja4/proxyja4/burp-bootstrap"
	casetup "github.com/proxyja4/proxyja4/ca-setup"
	configmanager "github.com/proxyja4/proxyja4/config-manager"
	ja4parser "github.com/proxyja4/proxyja4/ja4-parser"
	mitmproxybootstrap "github.com/proxyja4/proxyja4/mitmproxy-bootstrap"
	pcapcapture "github.com/proxyja4/proxyja4/pcap-capture"
	proxyprober "github.com/proxyja4/proxyja4/proxy-prober"
	squidbootstrap "github.com/proxyja4/proxyja4/squid-bootstrap"
	"github.com/proxyja4/proxyja4/support/version"
)

func main() {
	cmd := &cobra.Command{
		Use:              "proxyja4",
		Short:            "Bootstraps intercepting proxies and captures their TLS fingerprints",
		SilenceUsage:     true,
		TraverseChildren: true,

		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}

	cmd.AddCommand(mitmproxybootstrap.NewRunCommand())
	cmd.AddCommand(burpbootstrap.NewRunCommand())
	cmd.AddCommand(squidbootstrap.NewRunCommand())
	cmd.AddCommand(casetup.NewRunCommand())
	cmd.AddCommand(pcapcapture.NewCommand())
	cmd.AddCommand(ja4parser.NewRunCommand())
	cmd.AddCommand(proxyprober.NewCommand())
	cmd.AddCommand(configmanager.NewCommand())
	cmd.AddCommand(version.NewVersionCommand())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
