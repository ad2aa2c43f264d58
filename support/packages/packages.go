package packages

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/proxyja4/proxyja4/support/process"
)

// ErrNoPackageManager is returned when none of the known package managers is on PATH.
var ErrNoPackageManager = errors.New("no supported package manager found")

// Manager knows how to install packages with one distribution package manager.
type Manager struct {
	Name string
	// Steps are run in order; the package name is appended to the last one.
	Steps [][]string
}

// Known lists the supported package managers in detection order.
var Known = []Manager{
	{Name: "apk", Steps: [][]string{{"add", "--no-cache"}}},
	{Name: "apt-get", Steps: [][]string{{"update"}, {"install", "-y", "--no-install-recommends"}}},
	{Name: "dnf", Steps: [][]string{{"install", "-y"}}},
	{Name: "microdnf", Steps: [][]string{{"install", "-y"}}},
	{Name: "yum", Steps: [][]string{{"install", "-y"}}},
}

// Detect returns the first known package manager that resolves on PATH.
func Detect(runner process.Runner) (Manager, error) {
	for _, m := range Known {
		if _, err := runner.LookPath(m.Name); err == nil {
			return m, nil
		}
	}
	return Manager{}, ErrNoPackageManager
}

// Install runs every step of the package manager. The first failure aborts.
func (m Manager) Install(ctx context.Context, runner process.Runner, pkgs ...string) error {
	for i, step := range m.Steps {
		args := append([]string{}, step...)
		if i == len(m.Steps)-1 {
			args = append(args, pkgs...)
		}
		if err := runner.Run(ctx, m.Name, args...); err != nil {
			return fmt.Errorf("%s %s failed: %w", m.Name, step[0], err)
		}
	}
	return nil
}

// EnsureTool makes sure tool is on PATH, installing pkg when it is not.
func EnsureTool(ctx context.Context, log logr.Logger, runner process.Runner, tool, pkg string) error {
	if path, err := runner.LookPath(tool); err == nil {
		log.V(1).Info("tool already installed", "tool", tool, "path", path)
		return nil
	}

	m, err := Detect(runner)
	if err != nil {
		return fmt.Errorf("cannot install %s: %w", tool, err)
	}
	log.Info("installing missing tool", "tool", tool, "package", pkg, "packageManager", m.Name)
	if err := m.Install(ctx, runner, pkg); err != nil {
		return fmt.Errorf("failed to install %s: %w", pkg, err)
	}

	path, err := runner.LookPath(tool)
	if err != nil {
		return fmt.Errorf("%s is still missing after installing %s: %w", tool, pkg, err)
	}
	log.Info("installed tool", "tool", tool, "path", path)
	return nil
}
