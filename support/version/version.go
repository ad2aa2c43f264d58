package version

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// These are overridden at build time with -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = ""
)

func commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return "unknown"
}

func String() string {
	return fmt.Sprintf("proxyja4 %s, commit: %s", Version, commit())
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "version",
		Short:        "Prints the proxyja4 version",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), String())
		},
	}
}
