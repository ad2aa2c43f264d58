package configmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/proxyja4/proxyja4/support/fsutil"
)

const (
	defaultConfigName = "default"
	unknownHash       = "unknown"
	configPerm        = 0o644
)

var nowFunc = time.Now

// ConfigFile is a configuration path with the hash of its content.
type ConfigFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// ProxyConfigs lists the default and the existing variants of one proxy.
type ProxyConfigs struct {
	Default  ConfigFile            `json:"default"`
	Variants map[string]ConfigFile `json:"variants"`
}

// ValidationResult is the outcome of validating one configuration.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Export is the layout of an exported configuration set.
type Export struct {
	ExportedAt float64                    `json:"exported_at"`
	Configs    map[string]ProxyConfigs    `json:"configs"`
	Templates  map[string]*ProxyTemplates `json:"templates"`
}

// Manager keeps proxy configurations under a project root.
type Manager struct {
	Root    string
	Catalog *Catalog
	// CatalogPath is where the catalog is persisted after create. Empty keeps it in memory.
	CatalogPath string
	Log         logr.Logger
}

func (m *Manager) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(m.Root, rel)
}

// Init seeds every missing variant of every proxy from its default.
func (m *Manager) Init() error {
	var errs []error
	for _, proxy := range m.Catalog.ProxyNames() {
		p := m.Catalog.Proxies[proxy]
		src := m.path(p.Default)
		if !fsutil.IsFile(src) {
			m.Log.Info("Default configuration missing, skipping", "proxy", proxy, "path", src)
			continue
		}
		for _, variant := range p.VariantNames() {
			dst := m.path(filepath.Join("configs", proxy, variant+".conf"))
			if fsutil.Exists(dst) {
				continue
			}
			if err := copyConfig(src, dst); err != nil {
				errs = append(errs, fmt.Errorf("failed to create %s variant %s: %w", proxy, variant, err))
				continue
			}
			m.Log.Info("Created configuration variant", "proxy", proxy, "variant", variant, "path", dst)
		}
	}
	return utilerrors.NewAggregate(errs)
}

func copyConfig(src, dst string) error {
	if err := fsutil.EnsureDirs(0o755, filepath.Dir(dst)); err != nil {
		return err
	}
	return fsutil.CopyFile(src, dst, configPerm)
}

// Hash returns the first 16 hex characters of the file's sha256, or "unknown" when it cannot be read.
func Hash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return unknownHash
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// List returns the default of every proxy and the variants that exist on disk.
func (m *Manager) List() map[string]ProxyConfigs {
	out := make(map[string]ProxyConfigs, len(m.Catalog.Proxies))
	for proxy, p := range m.Catalog.Proxies {
		pc := ProxyConfigs{
			Default:  ConfigFile{Path: p.Default, Hash: Hash(m.path(p.Default))},
			Variants: map[string]ConfigFile{},
		}
		for name, rel := range p.Variants {
			full := m.path(rel)
			if !fsutil.Exists(full) {
				continue
			}
			pc.Variants[name] = ConfigFile{Path: rel, Hash: Hash(full)}
		}
		out[proxy] = pc
	}
	return out
}

// Apply copies a configuration over the proxy's runtime file, backing the current one up first.
func (m *Manager) Apply(proxy, config string) error {
	p, rel, err := m.Catalog.lookup(proxy, config)
	if err != nil {
		return err
	}
	if p.Runtime == "" {
		return fmt.Errorf("proxy %s has no runtime configuration", proxy)
	}
	src := m.path(rel)
	if !fsutil.IsFile(src) {
		return fmt.Errorf("configuration file %s does not exist", src)
	}
	target := m.path(p.Runtime)
	if fsutil.Exists(target) {
		backup := fmt.Sprintf("%s.backup.%d", target, nowFunc().Unix())
		if err := copyConfig(target, backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", target, err)
		}
		m.Log.Info("Backed up current configuration", "path", backup)
	}
	if err := copyConfig(src, target); err != nil {
		return fmt.Errorf("failed to apply %s: %w", config, err)
	}
	m.Log.Info("Applied configuration", "proxy", proxy, "config", config, "target", target)
	return nil
}

// Validate checks a configuration for the settings each proxy needs. Problems finding or reading the
// file are errors, missing settings are warnings.
func (m *Manager) Validate(proxy, config string) ValidationResult {
	result := ValidationResult{Errors: []string{}, Warnings: []string{}}
	_, rel, err := m.Catalog.lookup(proxy, config)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	full := m.path(rel)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("configuration file %s does not exist", full))
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read %s: %v", full, err))
		}
		return result
	}

	content := string(data)
	switch proxy {
	case "squid":
		result.Warnings = append(result.Warnings, squidWarnings(content)...)
	case "mitmproxy":
		result.Warnings = append(result.Warnings, mitmproxyWarnings(content)...)
	default:
		result.Errors = append(result.Errors, fmt.Sprintf("unknown proxy type %s", proxy))
		return result
	}
	result.Valid = true
	return result
}

func squidWarnings(content string) []string {
	var warnings []string
	if strings.Contains(content, "ssl_bump") {
		if !strings.Contains(content, "ssl_bump peek") {
			warnings = append(warnings, "SSL bump peek rule not found")
		}
		if !strings.Contains(content, "ssl_bump bump") {
			warnings = append(warnings, "SSL bump bump rule not found")
		}
		if !strings.Contains(content, "sslcrtd_program") {
			warnings = append(warnings, "SSL certificate generation program not configured")
		}
	}
	if !strings.Contains(content, "http_access deny all") {
		warnings = append(warnings, "Default deny rule not found")
	}
	return warnings
}

func mitmproxyWarnings(content string) []string {
	if !strings.Contains(content, "block_global") {
		return []string{"block_global setting not found"}
	}
	return nil
}

// Create derives a new variant from the proxy's default by literal replacements and registers it.
// Replacements are applied in sorted key order.
func (m *Manager) Create(proxy, name string, replacements map[string]string) (string, error) {
	if name == "" || name == defaultConfigName || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid configuration name %q", name)
	}
	p, rel, err := m.Catalog.lookup(proxy, defaultConfigName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(m.path(rel))
	if err != nil {
		return "", fmt.Errorf("failed to read default configuration: %w", err)
	}
	content := string(data)
	for _, old := range sortedKeys(replacements) {
		if old == "" {
			continue
		}
		content = strings.ReplaceAll(content, old, replacements[old])
	}

	variantRel := filepath.ToSlash(filepath.Join("configs", proxy, name+".conf"))
	if err := fsutil.EnsureDirs(0o755, filepath.Dir(m.path(variantRel))); err != nil {
		return "", err
	}
	if err := fsutil.WriteAtomic(m.path(variantRel), []byte(content), configPerm); err != nil {
		return "", fmt.Errorf("failed to write variant %s: %w", name, err)
	}
	if p.Variants == nil {
		p.Variants = map[string]string{}
	}
	p.Variants[name] = variantRel
	m.Log.Info("Created configuration variant", "proxy", proxy, "variant", name, "path", variantRel)

	if m.CatalogPath != "" {
		if err := m.Catalog.Save(m.CatalogPath); err != nil {
			return "", err
		}
	}
	return variantRel, nil
}

// ExportTo writes every configuration and the catalog to a JSON file.
func (m *Manager) ExportTo(path string) error {
	export := Export{
		ExportedAt: float64(nowFunc().UnixNano()) / float64(time.Second),
		Configs:    m.List(),
		Templates:  m.Catalog.Proxies,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if err := fsutil.WriteAtomic(path, data, configPerm); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	m.Log.Info("Exported configurations", "path", path)
	return nil
}

// ImportFrom copies every exported variant whose file exists into configs/<proxy>/<variant>.conf.
// It returns the number of variants imported.
func (m *Manager) ImportFrom(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read import file: %w", err)
	}
	export := Export{}
	if err := json.Unmarshal(data, &export); err != nil {
		return 0, fmt.Errorf("failed to parse import file %s: %w", path, err)
	}

	var errs []error
	imported := 0
	for proxy, pc := range export.Configs {
		for variant, file := range pc.Variants {
			src := m.path(file.Path)
			if !fsutil.IsFile(src) {
				m.Log.Info("Skipping variant without source file", "proxy", proxy, "variant", variant, "path", src)
				continue
			}
			dst := m.path(filepath.Join("configs", proxy, variant+".conf"))
			if filepath.Clean(src) == filepath.Clean(dst) {
				imported++
				continue
			}
			if err := copyConfig(src, dst); err != nil {
				errs = append(errs, fmt.Errorf("failed to import %s variant %s: %w", proxy, variant, err))
				continue
			}
			m.Log.Info("Imported configuration variant", "proxy", proxy, "variant", variant, "path", dst)
			imported++
		}
	}
	return imported, utilerrors.NewAggregate(errs)
}
