package ja4parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"k8s.io/utils/ptr"

	"github.com/proxyja4/proxyja4/support/fsutil"
	supportlog "github.com/proxyja4/proxyja4/support/log"
	"github.com/proxyja4/proxyja4/support/process"
)

const (
	defaultCapturesDir = "./captures"
	defaultPython      = "python3"
	resultsFile        = "ja4_results.json"
	manifestFile       = "manifest.json"
	utcLayout          = "2006-01-02T15:04:05Z"

	pythonUsageMarker = "usage: ja4.py"
)

// ErrNoCaptures is returned when the captures directory holds nothing to parse.
var ErrNoCaptures = errors.New("no capture files found")

var nowFunc = time.Now

// cli is a resolved JA4 command line prefix.
type cli struct {
	name   string
	args   []string
	python bool
}

// parseArgs builds the invocation for one capture file.
func (c cli) parseArgs(capture string) []string {
	args := append([]string{}, c.args...)
	if c.python {
		return append(args, capture, "--json")
	}
	return append(args, "parse-pcap", capture, "--json")
}

type annotations struct {
	SourcePcap          string          `json:"source_pcap"`
	SourcePcapPath      string          `json:"source_pcap_path"`
	ParsedAtUTC         string          `json:"parsed_at_utc"`
	CaptureFileMtimeUTC *string         `json:"capture_file_mtime_utc,omitempty"`
	PacketCount         *int            `json:"packet_count,omitempty"`
	Manifest            json.RawMessage `json:"manifest"`
}

type options struct {
	capturesDir string
	python      string
	logLevel    string
}

// NewRunCommand creates the ja4-parse command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ja4-parse",
		Short:        "Extracts JA4 fingerprints from every capture and writes annotated results",
		SilenceUsage: true,
	}

	opts := options{
		capturesDir: defaultCapturesDir,
		python:      defaultPython,
	}
	cmd.Flags().StringVar(&opts.capturesDir, "captures-dir", opts.capturesDir, "Directory holding the capture files")
	cmd.Flags().StringVar(&opts.python, "python", opts.python, "Interpreter used for the Python JA4 CLI")
	supportlog.BindFlags(cmd.Flags(), &opts.logLevel)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		log, err := supportlog.New(opts.logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("ja4-parse")
		if err := opts.run(cmd.Context(), log, process.NewOSRunner(log)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	return cmd
}

func (o *options) run(ctx context.Context, log logr.Logger, runner process.Runner) error {
	captures, err := listCaptures(o.capturesDir)
	if err != nil {
		return err
	}
	if len(captures) == 0 {
		return fmt.Errorf("%w in %s", ErrNoCaptures, o.capturesDir)
	}

	c, err := o.locateCLI(log, runner)
	if err != nil {
		return err
	}
	c.python = isPythonCLI(ctx, runner, c)

	manifest := loadManifest(filepath.Join(o.capturesDir, manifestFile))
	results := []map[string]any{}
	for _, capture := range captures {
		base := filepath.Base(capture)
		log := log.WithValues("capture", base)
		log.Info("parsing JA4")

		out, err := runner.Output(ctx, c.name, c.parseArgs(capture)...)
		if err != nil {
			log.Error(err, "ja4 parse failed, skipping capture")
			continue
		}
		sessions, err := decodeSessions(out)
		if err != nil {
			log.Error(err, "ja4 output was truncated, keeping the sessions decoded so far")
		}

		ann := annotations{
			SourcePcap:     base,
			SourcePcapPath: capture,
			ParsedAtUTC:    nowFunc().UTC().Format(utcLayout),
			Manifest:       manifest,
		}
		if info, err := os.Stat(capture); err == nil {
			ann.CaptureFileMtimeUTC = ptr.To(info.ModTime().UTC().Format(utcLayout))
		}
		if n, err := countPackets(capture); err != nil {
			log.V(1).Info("failed to count packets", "error", err.Error())
		} else {
			ann.PacketCount = ptr.To(n)
		}

		for _, sess := range sessions {
			if err := annotate(sess, ann); err != nil {
				return err
			}
			results = append(results, sess)
		}
		log.Info("parsed JA4", "sessions", len(sessions))
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	path := filepath.Join(o.capturesDir, resultsFile)
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	log.Info("JA4 results written", "path", path, "sessions", len(results))
	return nil
}

func (o *options) locateCLI(log logr.Logger, runner process.Runner) (cli, error) {
	if path, err := runner.LookPath("ja4"); err == nil {
		log.Info("found ja4 CLI", "path", path)
		return cli{name: path}, nil
	}
	if path, err := runner.LookPath("ja4.py"); err == nil {
		log.Info("found ja4.py CLI", "path", path)
		return cli{name: o.python, args: []string{path}}, nil
	}
	if fsutil.IsFile("ja4.py") {
		log.Info("found ja4.py in the working directory")
		return cli{name: o.python, args: []string{"ja4.py"}}, nil
	}
	return cli{}, errors.New("ja4 CLI not found, install it from https://github.com/salesforce/ja4 and put ja4 or ja4.py on PATH or in the working directory")
}

// isPythonCLI tells the Python CLI apart by its argparse usage line.
func isPythonCLI(ctx context.Context, runner process.Runner, c cli) bool {
	out, err := runner.Output(ctx, c.name, append(append([]string{}, c.args...), "--help")...)
	text := string(out)
	var cmdErr *process.CommandError
	if errors.As(err, &cmdErr) {
		text += cmdErr.Stderr
	}
	return strings.Contains(text, pythonUsageMarker)
}

func listCaptures(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("captures directory not found: %s", dir)
		}
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if !strings.HasSuffix(name, ".pcap") && !strings.HasSuffix(name, ".pcapng") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if fsutil.IsFile(path) {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// loadManifest returns the raw manifest, or an empty object when it is absent or invalid.
func loadManifest(path string) json.RawMessage {
	data, err := os.ReadFile(path)
	if err != nil || !json.Valid(data) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(bytes.TrimSpace(data))
}

// decodeSessions reads a stream of concatenated JSON objects. Values that are not objects are skipped.
func decodeSessions(out []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	var sessions []map[string]any
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return sessions, nil
			}
			return sessions, err
		}
		var sess map[string]any
		if err := json.Unmarshal(raw, &sess); err != nil || sess == nil {
			continue
		}
		sessions = append(sessions, sess)
	}
}

func annotate(sess map[string]any, ann annotations) error {
	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("failed to encode annotations: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("failed to decode annotations: %w", err)
	}
	for k, v := range fields {
		sess[k] = v
	}
	return nil
}

// countPackets counts the records of a pcap or pcapng file.
func countPackets(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var next func() error
	if strings.HasSuffix(strings.ToLower(path), ".pcapng") {
		r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return 0, fmt.Errorf("invalid pcapng file: %w", err)
		}
		next = func() error {
			_, _, err := r.ReadPacketData()
			return err
		}
	} else {
		r, err := pcapgo.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("invalid pcap file: %w", err)
		}
		next = func() error {
			_, _, err := r.ReadPacketData()
			return err
		}
	}

	count := 0
	for {
		err := next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		count++
	}
}
