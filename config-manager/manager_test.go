package configmanager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squidDefault = `http_port 3128
http_access allow localhost
http_access deny all
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "configs/squid/runtime/squid_no_ssl.conf"), squidDefault)
	writeFile(t, filepath.Join(root, "configs/mitmproxy/runtime/mitmproxy.conf"), "listen_port: 8080\n")
	return &Manager{Root: root, Catalog: DefaultCatalog(), Log: logr.Discard()}
}

func TestHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.conf")
	writeFile(t, path, "hello")

	// sha256("hello") = 2cf24dba5fb0a30e...
	assert.Equal(t, "2cf24dba5fb0a30e", Hash(path))
	assert.Equal(t, "unknown", Hash(filepath.Join(dir, "missing.conf")))
}

func TestInit(t *testing.T) {
	m := newTestManager(t)
	existing := filepath.Join(m.Root, "configs/squid/ssl_bump_only.conf")
	writeFile(t, existing, "custom\n")

	require.NoError(t, m.Init())

	for _, variant := range []string{"ssl_bump_with_auth", "ssl_bump_with_caching"} {
		assert.Equal(t, squidDefault, readFile(t, filepath.Join(m.Root, "configs/squid", variant+".conf")))
	}
	for _, variant := range []string{"regular", "transparent", "socks"} {
		assert.FileExists(t, filepath.Join(m.Root, "configs/mitmproxy", variant+".conf"))
	}
	assert.Equal(t, "custom\n", readFile(t, existing), "existing variants are kept")
}

func TestInitSkipsMissingDefault(t *testing.T) {
	m := &Manager{Root: t.TempDir(), Catalog: DefaultCatalog(), Log: logr.Discard()}
	require.NoError(t, m.Init())
	assert.NoDirExists(t, filepath.Join(m.Root, "configs/squid"))
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	writeFile(t, filepath.Join(m.Root, "configs/squid/templates/ssl_bump_only.conf"), "ssl_bump peek all\n")

	configs := m.List()
	require.Contains(t, configs, "squid")
	require.Contains(t, configs, "mitmproxy")

	squid := configs["squid"]
	assert.Equal(t, "configs/squid/runtime/squid_no_ssl.conf", squid.Default.Path)
	assert.Len(t, squid.Default.Hash, 16)
	assert.Len(t, squid.Variants, 1)
	assert.Equal(t, "configs/squid/templates/ssl_bump_only.conf", squid.Variants["ssl_bump_only"].Path)
	assert.Empty(t, configs["mitmproxy"].Variants)
}

func TestApply(t *testing.T) {
	m := newTestManager(t)
	nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { nowFunc = time.Now })

	target := filepath.Join(m.Root, "configs/squid/runtime/squid.conf")
	writeFile(t, target, "previous\n")
	variant := filepath.Join(m.Root, "configs/squid/templates/ssl_bump_only.conf")
	writeFile(t, variant, "ssl_bump bump all\n")

	require.NoError(t, m.Apply("squid", "ssl_bump_only"))
	assert.Equal(t, "ssl_bump bump all\n", readFile(t, target))
	assert.Equal(t, "previous\n", readFile(t, target+".backup.1700000000"))
}

func TestApplyWithoutExistingTarget(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Apply("squid", "default"))
	assert.Equal(t, squidDefault, readFile(t, filepath.Join(m.Root, "configs/squid/runtime/squid.conf")))

	matches, err := filepath.Glob(filepath.Join(m.Root, "configs/squid/runtime/*.backup.*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestApplyErrors(t *testing.T) {
	m := newTestManager(t)
	testCases := []struct {
		name   string
		proxy  string
		config string
	}{
		{name: "unknown proxy", proxy: "burp", config: "default"},
		{name: "unknown config", proxy: "squid", config: "nope"},
		{name: "missing source", proxy: "squid", config: "ssl_bump_with_auth"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, m.Apply(tc.proxy, tc.config))
		})
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name         string
		proxy        string
		content      string
		wantWarnings []string
	}{
		{
			name:         "squid without ssl bump",
			proxy:        "squid",
			content:      squidDefault,
			wantWarnings: []string{},
		},
		{
			name:    "squid with partial ssl bump",
			proxy:   "squid",
			content: "ssl_bump splice all\n",
			wantWarnings: []string{
				"SSL bump peek rule not found",
				"SSL bump bump rule not found",
				"SSL certificate generation program not configured",
				"Default deny rule not found",
			},
		},
		{
			name:         "squid with complete ssl bump",
			proxy:        "squid",
			content:      "ssl_bump peek step1\nssl_bump bump all\nsslcrtd_program /usr/lib/squid/security_file_certgen\nhttp_access deny all\n",
			wantWarnings: []string{},
		},
		{
			name:         "mitmproxy without block_global",
			proxy:        "mitmproxy",
			content:      "listen_port: 8080\n",
			wantWarnings: []string{"block_global setting not found"},
		},
		{
			name:         "mitmproxy with block_global",
			proxy:        "mitmproxy",
			content:      "block_global: false\n",
			wantWarnings: []string{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t)
			_, rel, err := m.Catalog.lookup(tc.proxy, "default")
			require.NoError(t, err)
			writeFile(t, filepath.Join(m.Root, rel), tc.content)

			result := m.Validate(tc.proxy, "default")
			assert.True(t, result.Valid)
			assert.Empty(t, result.Errors)
			assert.ElementsMatch(t, tc.wantWarnings, result.Warnings)
		})
	}
}

func TestValidateLookupFailures(t *testing.T) {
	m := newTestManager(t)
	m.Catalog.Proxies["burp"] = &ProxyTemplates{Default: "configs/burp/burp.conf"}
	writeFile(t, filepath.Join(m.Root, "configs/burp/burp.conf"), "x")

	for _, tc := range []struct{ proxy, config string }{
		{"squid", "nope"},
		{"squid", "ssl_bump_with_auth"},
		{"nope", "default"},
		{"burp", "default"},
	} {
		result := m.Validate(tc.proxy, tc.config)
		assert.False(t, result.Valid, "%s/%s", tc.proxy, tc.config)
		assert.Len(t, result.Errors, 1, "%s/%s", tc.proxy, tc.config)
	}
}

func TestCreate(t *testing.T) {
	m := newTestManager(t)
	m.CatalogPath = filepath.Join(m.Root, "catalog.yaml")

	path, err := m.Create("squid", "port_3129", map[string]string{
		"http_port 3128": "http_port 3129",
		"localhost":      "all",
	})
	require.NoError(t, err)
	assert.Equal(t, "configs/squid/port_3129.conf", path)
	assert.Equal(t, "http_port 3129\nhttp_access allow all\nhttp_access deny all\n", readFile(t, filepath.Join(m.Root, path)))
	assert.Equal(t, path, m.Catalog.Proxies["squid"].Variants["port_3129"])

	persisted, err := LoadCatalog(m.CatalogPath)
	require.NoError(t, err)
	assert.Equal(t, path, persisted.Proxies["squid"].Variants["port_3129"])
	assert.Len(t, persisted.Proxies["squid"].Variants, 4)
}

func TestCreateErrors(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("nope", "x", nil)
	assert.Error(t, err)
	_, err = m.Create("squid", "../escape", nil)
	assert.Error(t, err)
	_, err = m.Create("squid", "default", nil)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(m.Root, "catalog.yaml"))
}

func TestExportImport(t *testing.T) {
	src := newTestManager(t)
	writeFile(t, filepath.Join(src.Root, "configs/mitmproxy/templates/socks.conf"), "mode: socks5\n")
	nowFunc = func() time.Time { return time.Unix(1700000000, 500000000) }
	t.Cleanup(func() { nowFunc = time.Now })

	exportPath := filepath.Join(src.Root, "export.json")
	require.NoError(t, src.ExportTo(exportPath))

	export := Export{}
	require.NoError(t, json.Unmarshal([]byte(readFile(t, exportPath)), &export))
	assert.InDelta(t, 1700000000.5, export.ExportedAt, 0.001)
	assert.Contains(t, export.Templates, "squid")
	assert.Equal(t, "configs/mitmproxy/templates/socks.conf", export.Configs["mitmproxy"].Variants["socks"].Path)

	n, err := src.ImportFrom(exportPath)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "mode: socks5\n", readFile(t, filepath.Join(src.Root, "configs/mitmproxy/socks.conf")))
}

func TestImportSkipsMissingSources(t *testing.T) {
	m := newTestManager(t)
	export := Export{Configs: map[string]ProxyConfigs{
		"squid": {Variants: map[string]ConfigFile{"gone": {Path: "configs/squid/templates/gone.conf"}}},
	}}
	data, err := json.Marshal(export)
	require.NoError(t, err)
	path := filepath.Join(m.Root, "export.json")
	writeFile(t, path, string(data))

	n, err := m.ImportFrom(path)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoFileExists(t, filepath.Join(m.Root, "configs/squid/gone.conf"))
}

func TestImportInvalidFile(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(m.Root, "export.json")
	writeFile(t, path, "{not json")
	_, err := m.ImportFrom(path)
	assert.Error(t, err)
}
