package configmanager

import (
	"fmt"
	"os"
	"sort"

	"sigs.k8s.io/yaml"

	"github.com/proxyja4/proxyja4/support/fsutil"
)

// ProxyTemplates locates the configurations of one proxy. Paths are relative to the project root.
type ProxyTemplates struct {
	// Default is the configuration variants are derived from.
	Default string `json:"default"`
	// Runtime is the file the proxy container reads; apply copies into it.
	Runtime  string            `json:"runtime"`
	Variants map[string]string `json:"variants,omitempty"`
}

// Catalog maps proxy names to their configurations.
type Catalog struct {
	Proxies map[string]*ProxyTemplates `json:"proxies"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Proxies: map[string]*ProxyTemplates{
			"squid": {
				Default: "configs/squid/runtime/squid_no_ssl.conf",
				Runtime: "configs/squid/runtime/squid.conf",
				Variants: map[string]string{
					"ssl_bump_only":         "configs/squid/templates/ssl_bump_only.conf",
					"ssl_bump_with_auth":    "configs/squid/templates/ssl_bump_with_auth.conf",
					"ssl_bump_with_caching": "configs/squid/templates/ssl_bump_with_caching.conf",
				},
			},
			"mitmproxy": {
				Default: "configs/mitmproxy/runtime/mitmproxy.conf",
				Runtime: "configs/mitmproxy/runtime/mitmproxy.conf",
				Variants: map[string]string{
					"regular":     "configs/mitmproxy/templates/regular.conf",
					"transparent": "configs/mitmproxy/templates/transparent.conf",
					"socks":       "configs/mitmproxy/templates/socks.conf",
				},
			},
		},
	}
}

// LoadCatalog reads a YAML catalog. A missing file yields the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	c := &Catalog{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return c, nil
}

// Save writes the catalog as YAML.
func (c *Catalog) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	return fsutil.WriteAtomic(path, data, 0o644)
}

func (c *Catalog) validate() error {
	if len(c.Proxies) == 0 {
		return fmt.Errorf("no proxies defined")
	}
	for name, p := range c.Proxies {
		if p == nil || p.Default == "" {
			return fmt.Errorf("proxy %s has no default configuration", name)
		}
	}
	return nil
}

// ProxyNames returns the catalog's proxies in sorted order.
func (c *Catalog) ProxyNames() []string {
	names := make([]string, 0, len(c.Proxies))
	for name := range c.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VariantNames returns a proxy's variants in sorted order.
func (p *ProxyTemplates) VariantNames() []string {
	names := make([]string, 0, len(p.Variants))
	for name := range p.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup resolves a proxy and configuration name, "default" included, to its relative path.
func (c *Catalog) lookup(proxy, config string) (*ProxyTemplates, string, error) {
	p, ok := c.Proxies[proxy]
	if !ok {
		return nil, "", fmt.Errorf("unknown proxy %s", proxy)
	}
	if config == defaultConfigName {
		return p, p.Default, nil
	}
	path, ok := p.Variants[config]
	if !ok {
		return nil, "", fmt.Errorf("unknown configuration %s for %s", config, proxy)
	}
	return p, path, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
