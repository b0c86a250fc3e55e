// Package procscan inspects local processes with gopsutil.
package procscan

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"qshield/pkg/agent"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Pseudo filesystems whose descriptors say nothing about an agent's scope.
var ignoredPrefixes = []string{"/dev/", "/proc/", "/sys/", "/private/var/folders/"}

type Scanner struct {
	// IgnorePaths adds path prefixes excluded from open-file results.
	IgnorePaths []string
}

var _ agent.Scanner = (*Scanner)(nil)

func (s *Scanner) ListProcesses(ctx context.Context) ([]agent.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	out := make([]agent.Process, 0, len(procs))
	for _, p := range procs {
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || strings.TrimSpace(cmd) == "" {
			// Exited or not ours to read.
			continue
		}
		out = append(out, agent.Process{PID: p.Pid, CommandLine: cmd})
	}
	return out, nil
}

func (s *Scanner) ListOpenFiles(ctx context.Context, pid int32) ([]string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	files, err := p.OpenFilesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("open files of %d: %w", pid, err)
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		if s.keep(f.Path) {
			out = append(out, filepath.Clean(f.Path))
		}
	}
	return out, nil
}

func (s *Scanner) keep(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	for _, prefix := range s.IgnorePaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func (s *Scanner) ListEstablishedConnections(ctx context.Context, pid int32) ([]string, error) {
	conns, err := net.ConnectionsPidWithContext(ctx, "inet", pid)
	if err != nil {
		return nil, fmt.Errorf("connections of %d: %w", pid, err)
	}
	return remoteHosts(conns), nil
}

func remoteHosts(conns []net.ConnectionStat) []string {
	out := []string{}
	for _, c := range conns {
		if c.Status != "ESTABLISHED" || c.Raddr.IP == "" {
			continue
		}
		if isLoopback(c.Raddr.IP) {
			continue
		}
		out = append(out, c.Raddr.IP)
	}
	return out
}

// isLoopback covers all of 127.0.0.0/8, ::1 and IPv4-mapped loopback.
func isLoopback(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Unmap().IsLoopback()
}
