package configmanager

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	supportlog "github.com/proxyja4/proxyja4/support/log"
)

type options struct {
	projectRoot string
	catalogPath string
	logLevel    string
}

// NewCommand creates the config-manager command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "config-manager",
		Short:        "Manages squid and mitmproxy configuration variants",
		SilenceUsage: true,
	}

	opts := &options{projectRoot: "."}
	cmd.PersistentFlags().StringVar(&opts.projectRoot, "project-root", opts.projectRoot, "Project root configuration paths are relative to")
	cmd.PersistentFlags().StringVar(&opts.catalogPath, "catalog", "", "YAML catalog of proxy configurations, the built-in catalog is used when unset or missing")
	supportlog.BindFlags(cmd.PersistentFlags(), &opts.logLevel)

	cmd.AddCommand(
		opts.subcommand(&cobra.Command{
			Use:   "init",
			Short: "Creates missing configuration variants from each proxy's default",
			Args:  cobra.NoArgs,
		}, func(m *Manager, out io.Writer, args []string) error {
			return m.Init()
		}),
		opts.subcommand(&cobra.Command{
			Use:   "list",
			Short: "Lists configurations with their content hashes",
			Args:  cobra.NoArgs,
		}, func(m *Manager, out io.Writer, args []string) error {
			printConfigs(out, m.Catalog, m.List())
			return nil
		}),
		opts.subcommand(&cobra.Command{
			Use:   "apply PROXY CONFIG",
			Short: "Copies a configuration over the proxy's runtime configuration",
			Args:  cobra.ExactArgs(2),
		}, func(m *Manager, out io.Writer, args []string) error {
			return m.Apply(args[0], args[1])
		}),
		opts.subcommand(&cobra.Command{
			Use:   "validate PROXY CONFIG",
			Short: "Checks a configuration for required settings",
			Args:  cobra.ExactArgs(2),
		}, func(m *Manager, out io.Writer, args []string) error {
			result := m.Validate(args[0], args[1])
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			if !result.Valid {
				return fmt.Errorf("configuration %s for %s is invalid", args[1], args[0])
			}
			return nil
		}),
		opts.subcommand(&cobra.Command{
			Use:   "create PROXY NAME MODIFICATIONS_JSON",
			Short: "Creates a variant from the proxy's default by replacing text",
			Long: `Creates a variant from the proxy's default configuration. MODIFICATIONS_JSON is a file holding a JSON
object whose keys are replaced literally by their values.`,
			Args: cobra.ExactArgs(3),
		}, func(m *Manager, out io.Writer, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("failed to read modifications: %w", err)
			}
			replacements := map[string]string{}
			if err := json.Unmarshal(data, &replacements); err != nil {
				return fmt.Errorf("failed to parse modifications %s: %w", args[2], err)
			}
			path, err := m.Create(args[0], args[1], replacements)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, path)
			return nil
		}),
		opts.subcommand(&cobra.Command{
			Use:   "export FILE",
			Short: "Writes all configurations and the catalog to a JSON file",
			Args:  cobra.ExactArgs(1),
		}, func(m *Manager, out io.Writer, args []string) error {
			return m.ExportTo(args[0])
		}),
		opts.subcommand(&cobra.Command{
			Use:   "import FILE",
			Short: "Copies the variants of an export into the project",
			Args:  cobra.ExactArgs(1),
		}, func(m *Manager, out io.Writer, args []string) error {
			n, err := m.ImportFrom(args[0])
			m.Log.Info("Import finished", "variants", n)
			return err
		}),
	)
	return cmd
}

func (o *options) subcommand(cmd *cobra.Command, fn func(m *Manager, out io.Writer, args []string) error) *cobra.Command {
	cmd.SilenceUsage = true
	cmd.Run = func(cmd *cobra.Command, args []string) {
		log, err := supportlog.New(o.logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("config-manager")
		m, err := o.manager()
		if err == nil {
			m.Log = log
			err = fn(m, cmd.OutOrStdout(), args)
		}
		if err != nil {
			log.Error(err, "Command failed", "command", cmd.Name())
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	return cmd
}

func (o *options) manager() (*Manager, error) {
	catalog := DefaultCatalog()
	if o.catalogPath != "" {
		var err error
		if catalog, err = LoadCatalog(o.catalogPath); err != nil {
			return nil, err
		}
	}
	return &Manager{Root: o.projectRoot, Catalog: catalog, CatalogPath: o.catalogPath}, nil
}

func printConfigs(out io.Writer, catalog *Catalog, configs map[string]ProxyConfigs) {
	for _, proxy := range catalog.ProxyNames() {
		pc, ok := configs[proxy]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "%s:\n", proxy)
		fmt.Fprintf(out, "  %-24s %-16s %s\n", defaultConfigName, pc.Default.Hash, pc.Default.Path)
		for _, name := range catalog.Proxies[proxy].VariantNames() {
			v, ok := pc.Variants[name]
			if !ok {
				continue
			}
			fmt.Fprintf(out, "  %-24s %-16s %s\n", name, v.Hash, v.Path)
		}
	}
}
