package burpbootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/proxyja4/proxyja4/support/fsutil"
	supportlog "github.com/proxyja4/proxyja4/support/log"
	"github.com/proxyja4/proxyja4/support/process"
	"github.com/proxyja4/proxyja4/support/version"
)

// ErrAssetMissing is returned in fail-fast mode when the licensed jar is absent.
var ErrAssetMissing = errors.New("required application asset is missing")

const (
	defaultConfigDir     = "/home/burp/.BurpSuite"
	defaultJar           = "/opt/burp/burpsuite.jar"
	defaultDisplay       = ":1"
	defaultScreen        = "1280x800x24"
	defaultWindowManager = "fluxbox"
	defaultVNCPort       = 5900
	defaultNoVNCPort     = 6080
	defaultNoVNCWeb      = "/usr/share/novnc"
	defaultSettle        = 2 * time.Second
	defaultJava          = "java"
)

var sdNotifyFunc = daemon.SdNotify

type options struct {
	configDir     string
	jar           string
	display       string
	screen        string
	windowManager string
	vncPort       int
	noVNCPort     int
	noVNCWeb      string
	settle        time.Duration
	java          string
	javaOpts      []string
	failFast      bool
	logLevel      string
}

// NewRunCommand creates the entrypoint of the GUI security suite container.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "burp-bootstrap",
		Short: "Starts a virtual desktop with remote viewing and runs the security suite in it",
		Long: `Starts a virtual X display, a window manager, a VNC server and a browser VNC bridge in the
background, then replaces itself with the security suite. When the licensed jar is not present the container
stays alive, logging where the jar must be mounted, until it is stopped.`,
		SilenceUsage: true,
	}

	opts := options{
		configDir:     defaultConfigDir,
		jar:           defaultJar,
		display:       defaultDisplay,
		screen:        defaultScreen,
		windowManager: defaultWindowManager,
		vncPort:       defaultVNCPort,
		noVNCPort:     defaultNoVNCPort,
		noVNCWeb:      defaultNoVNCWeb,
		settle:        defaultSettle,
		java:          defaultJava,
	}
	cmd.Flags().StringVar(&opts.configDir, "config-dir", opts.configDir, "Security suite configuration directory")
	cmd.Flags().StringVar(&opts.jar, "jar", opts.jar, "Path of the licensed application jar")
	cmd.Flags().StringVar(&opts.display, "display", opts.display, "X display of the virtual framebuffer")
	cmd.Flags().StringVar(&opts.screen, "screen", opts.screen, "Virtual screen geometry and depth")
	cmd.Flags().StringVar(&opts.windowManager, "window-manager", opts.windowManager, "Window manager executable")
	cmd.Flags().IntVar(&opts.vncPort, "vnc-port", opts.vncPort, "VNC server port")
	cmd.Flags().IntVar(&opts.noVNCPort, "novnc-port", opts.noVNCPort, "Browser VNC bridge port")
	cmd.Flags().StringVar(&opts.noVNCWeb, "novnc-web", opts.noVNCWeb, "Static web root served by the browser VNC bridge")
	cmd.Flags().DurationVar(&opts.settle, "settle", opts.settle, "Delay between starting the desktop and launching the application")
	cmd.Flags().StringVar(&opts.java, "java", opts.java, "Java runtime executable")
	cmd.Flags().StringArrayVar(&opts.javaOpts, "java-opt", nil, "Extra JVM option, can be passed multiple times")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "Exit with an error instead of idling when the jar is missing")
	supportlog.BindFlags(cmd.Flags(), &opts.logLevel)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		log, err := supportlog.New(opts.logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log = log.WithName("burp-bootstrap")
		log.Info("Starting burp-bootstrap", "version", version.String())

		if err := opts.run(cmd.Context(), log, process.NewOSRunner(log)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	return cmd
}

func (o *options) run(ctx context.Context, log logr.Logger, runner process.Runner) error {
	if err := fsutil.EnsureDirs(0o755, o.configDir); err != nil {
		return err
	}

	if !fsutil.IsFile(o.jar) {
		log.Error(ErrAssetMissing, "application jar not found, mount it to start the application", "path", o.jar)
		fmt.Fprintf(os.Stderr, "Burp Suite jar not found at %s. Mount the licensed jar at that path and restart the container.\n", o.jar)
		if o.failFast {
			return fmt.Errorf("%w: %s", ErrAssetMissing, o.jar)
		}
		return o.idle(ctx, log)
	}

	env := displayEnv(os.Environ(), o.display)
	for _, c := range o.desktopCommands() {
		if err := runner.Start(c[0], c[1:], env); err != nil {
			return fmt.Errorf("failed to start %s: %w", c[0], err)
		}
	}

	log.Info("waiting for the desktop to settle", "delay", o.settle.String())
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(o.settle):
	}

	args := append(append([]string{}, o.javaOpts...), "-jar", o.jar)
	if err := runner.Exec(o.java, args, env); err != nil {
		return fmt.Errorf("failed to launch %s: %w", o.jar, err)
	}
	return nil
}

// displayEnv replaces any inherited DISPLAY, since execve passes duplicates on and getenv takes the first.
func displayEnv(environ []string, display string) []string {
	env := make([]string, 0, len(environ)+1)
	for _, e := range environ {
		if strings.HasPrefix(e, "DISPLAY=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, "DISPLAY="+display)
}

// desktopCommands lists the background processes in start order. The first element is the executable.
func (o *options) desktopCommands() [][]string {
	return [][]string{
		{"Xvfb", o.display, "-screen", "0", o.screen},
		{o.windowManager},
		{"x11vnc", "-display", o.display, "-forever", "-shared", "-nopw", "-rfbport", strconv.Itoa(o.vncPort)},
		{"websockify", "--web", o.noVNCWeb, strconv.Itoa(o.noVNCPort), "localhost:" + strconv.Itoa(o.vncPort)},
	}
}

// idle keeps the container running until it is terminated.
func (o *options) idle(ctx context.Context, log logr.Logger) error {
	if _, err := sdNotifyFunc(false, daemon.SdNotifyReady); err != nil {
		log.V(1).Info("failed to notify readiness", "error", err.Error())
	}
	<-ctx.Done()
	log.Info("terminated while waiting for the application jar")
	return nil
}
