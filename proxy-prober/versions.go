package proxyprober

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/blang/semver"
	"github.com/spf13/cobra"
)

const latestVersion = "latest"

// knownVersions are the proxy releases the test images are built for.
var knownVersions = map[string][]string{
	"squid":     {"6.10", "6.9", "6.8", "6.7"},
	"mitmproxy": {latestVersion, "10.1.5", "10.0.1", "9.0.1"},
}

func newVersionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "versions",
		Short:        "Lists the proxy versions the test images can be built with",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersions(cmd.OutOrStdout(), knownVersions)
		},
	}
}

func printVersions(w io.Writer, versions map[string][]string) error {
	proxies := make([]string, 0, len(versions))
	for p := range versions {
		proxies = append(proxies, p)
	}
	sort.Strings(proxies)

	for _, p := range proxies {
		sorted, err := sortVersions(versions[p])
		if err != nil {
			return fmt.Errorf("invalid version for %s: %w", p, err)
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", p, strings.Join(sorted, ", ")); err != nil {
			return err
		}
	}
	return nil
}

// sortVersions orders versions newest first with latest ahead of everything.
func sortVersions(versions []string) ([]string, error) {
	type parsed struct {
		raw string
		v   semver.Version
	}
	var hasLatest bool
	var vs []parsed
	for _, raw := range versions {
		if raw == latestVersion {
			hasLatest = true
			continue
		}
		v, err := semver.ParseTolerant(raw)
		if err != nil {
			return nil, err
		}
		vs = append(vs, parsed{raw: raw, v: v})
	}
	sort.SliceStable(vs, func(i, j int) bool {
		return vs[i].v.GT(vs[j].v)
	})

	var result []string
	if hasLatest {
		result = append(result, latestVersion)
	}
	for _, p := range vs {
		result = append(result, p.raw)
	}
	return result, nil
}
