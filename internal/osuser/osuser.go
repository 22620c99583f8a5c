// Package osuser wraps the external install/uninstall shell scripts the
// lifecycle daemon shells out to when provisioning or tearing down the OS
// user an instance's filesystem and processes run under (spec section
// 4.1), grounded on original_source's hp_manager.cpp install_user /
// uninstall_user (execute_bash_file + INST_SUC/INST_ERR/UNINST_SUC/
// UNINST_ERR sentinel parsing), reimplemented with os/exec instead of a
// bespoke subprocess/pipe helper.
package osuser

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"evernest.io/sashimono-agent/internal/errs"
)

const scriptTimeout = 30 * time.Second

const (
	sentinelInstallSuccess   = "INST_SUC"
	sentinelInstallError     = "INST_ERR"
	sentinelUninstallSuccess = "UNINST_SUC"
	sentinelUninstallError   = "UNINST_ERR"
)

// InstallParams carries everything the install script needs to provision a
// new sandboxed OS user for one instance.
type InstallParams struct {
	MaxCPUMicros    int64
	MaxMemKBytes    int64
	MaxSwapKBytes   int64
	StorageKBytes   int64
	ContainerName   string
	ContractUID     int
	ContractGID     int
	PeerPort        int
	UserPort        int
	GPTCPBase       int
	GPUDPBase       int
	DockerImage     string
	RegistryAddress string
	OutboundIPv6    string
	OutboundIface   string
}

// InstallResult is what a successful install script run reports back.
type InstallResult struct {
	UserID   int
	Username string
}

// Installer shells out to the operator-provided user-install.sh /
// user-uninstall.sh scripts. ScriptPaths are configured (spec section 6:
// "external interfaces" names these as host-provided executables, not
// something this module ships).
type Installer struct {
	InstallScriptPath   string
	UninstallScriptPath string
}

func New(installScript, uninstallScript string) *Installer {
	return &Installer{InstallScriptPath: installScript, UninstallScriptPath: uninstallScript}
}

// Install runs the install script and parses its sentinel-terminated
// stdout, mirroring hp_manager.cpp's install_user.
func (i *Installer) Install(ctx context.Context, p InstallParams) (InstallResult, error) {
	args := []string{
		strconv.FormatInt(p.MaxCPUMicros, 10),
		strconv.FormatInt(p.MaxMemKBytes, 10),
		strconv.FormatInt(p.MaxSwapKBytes, 10),
		strconv.FormatInt(p.StorageKBytes, 10),
		p.ContainerName,
		strconv.Itoa(p.ContractUID),
		strconv.Itoa(p.ContractGID),
		strconv.Itoa(p.PeerPort),
		strconv.Itoa(p.UserPort),
		strconv.Itoa(p.GPTCPBase),
		strconv.Itoa(p.GPUDPBase),
		p.DockerImage,
		p.RegistryAddress,
		p.OutboundIPv6,
		p.OutboundIface,
	}

	lines, err := runScript(ctx, i.InstallScriptPath, args)
	if err != nil {
		return InstallResult{}, errs.New(errs.UserInstallError, err)
	}
	if len(lines) == 0 {
		return InstallResult{}, errs.New(errs.UserInstallError, fmt.Errorf("install script produced no output"))
	}

	sentinel := lines[len(lines)-1]
	switch {
	case strings.HasPrefix(sentinel, sentinelInstallSuccess):
		if len(lines) < 2 {
			return InstallResult{}, errs.New(errs.UserInstallError, fmt.Errorf("install script success with missing uid/username"))
		}
		uid, err := strconv.Atoi(lines[0])
		if err != nil {
			return InstallResult{}, errs.New(errs.UserInstallError, fmt.Errorf("invalid user id %q: %w", lines[0], err))
		}
		return InstallResult{UserID: uid, Username: lines[1]}, nil
	case strings.HasPrefix(sentinel, sentinelInstallError):
		reason := ""
		if len(lines) > 0 {
			reason = lines[0]
		}
		return InstallResult{}, errs.New(errs.UserInstallError, fmt.Errorf("install script error: %s", reason))
	default:
		return InstallResult{}, errs.New(errs.UserInstallError, fmt.Errorf("unrecognized install script output: %s", sentinel))
	}
}

// Uninstall runs the uninstall script, mirroring hp_manager.cpp's
// uninstall_user.
func (i *Installer) Uninstall(ctx context.Context, username, containerName string, peerPort, userPort, gpTCPBase, gpUDPBase int) error {
	args := []string{
		username,
		strconv.Itoa(peerPort),
		strconv.Itoa(userPort),
		strconv.Itoa(gpTCPBase),
		strconv.Itoa(gpUDPBase),
		containerName,
	}

	lines, err := runScript(ctx, i.UninstallScriptPath, args)
	if err != nil {
		return errs.New(errs.UserUninstallError, err)
	}
	if len(lines) == 0 {
		return errs.New(errs.UserUninstallError, fmt.Errorf("uninstall script produced no output"))
	}

	sentinel := lines[len(lines)-1]
	switch {
	case strings.HasPrefix(sentinel, sentinelUninstallSuccess):
		return nil
	case strings.HasPrefix(sentinel, sentinelUninstallError):
		reason := ""
		if len(lines) > 0 {
			reason = lines[0]
		}
		return errs.New(errs.UserUninstallError, fmt.Errorf("uninstall script error: %s", reason))
	default:
		return errs.New(errs.UserUninstallError, fmt.Errorf("unrecognized uninstall script output: %s", sentinel))
	}
}

func runScript(ctx context.Context, path string, args []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/bash", append([]string{path}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s: %w (stderr: %s)", path, err, stderr.String())
	}

	var lines []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
