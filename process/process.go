// Package process finds and cleans up stale ACP agent processes left
// behind by earlier runs.
package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/vibesapp/vibes/logger"
)

// AgentProcess represents a running agent process found on the system.
type AgentProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// agentBinary returns the bare binary name from an agent command line,
// e.g. "/usr/local/bin/vibe-acp --acp" yields "vibe-acp".
func agentBinary(agentCommand string) string {
	fields := strings.Fields(agentCommand)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// FindAgentProcesses finds running processes matching the agent binary.
// Useful for detecting orphans left behind after a crash.
func FindAgentProcesses(agentCommand string) ([]AgentProcess, error) {
	binary := agentBinary(agentCommand)
	if binary == "" {
		return nil, nil
	}

	var processes []AgentProcess
	log := logger.WithComponent("process")
	self := os.Getpid()

	switch runtime.GOOS {
	case "darwin", "linux":
		cmd := exec.Command("pgrep", "-f", binary)
		output, err := cmd.Output()
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil || pid == self {
				continue
			}

			// Get the full command line for this PID
			psCmd := exec.Command("ps", "-p", pidStr, "-o", "args=")
			psOutput, err := psCmd.Output()
			if err != nil {
				continue
			}
			cmdLine := strings.TrimSpace(string(psOutput))
			if !matchesAgent(cmdLine, binary) {
				continue
			}

			processes = append(processes, AgentProcess{PID: pid, Command: cmdLine})
		}

	case "windows":
		cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq "+binary+"*", "/FO", "CSV", "/NH")
		output, err := cmd.Output()
		if err != nil {
			return nil, err
		}

		for _, line := range strings.Split(string(output), "\n") {
			fields := strings.Split(line, ",")
			if len(fields) < 2 {
				continue
			}
			pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
			pid, err := strconv.Atoi(pidStr)
			if err != nil || pid == self {
				continue
			}
			processes = append(processes, AgentProcess{
				PID:     pid,
				Command: strings.Trim(fields[0], "\""),
			})
		}
	}

	log.Debug("found agent processes", "binary", binary, "count", len(processes))
	return processes, nil
}

// matchesAgent reports whether the binary appears as the argv[0] token
// of a command line, so "vibe-acp" does not match "vibes --agent
// vibe-acp" (our own server mentioning the binary).
func matchesAgent(cmdLine, binary string) bool {
	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		return false
	}
	return filepath.Base(fields[0]) == binary
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	case "windows":
		return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
	}
	return nil
}

// FindStaleAgents finds agent processes whose PID is not in the live
// set managed by the current server.
func FindStaleAgents(agentCommand string, livePIDs map[int]bool) ([]AgentProcess, error) {
	all, err := FindAgentProcesses(agentCommand)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var stale []AgentProcess
	for _, proc := range all {
		if livePIDs[proc.PID] {
			continue
		}
		stale = append(stale, proc)
		log.Info("found stale agent process", "pid", proc.PID, "command", proc.Command)
	}
	return stale, nil
}

// CleanupStale kills agent processes left over from previous runs.
// Returns the number of processes killed.
func CleanupStale(agentCommand string, livePIDs map[int]bool) (int, error) {
	stale, err := FindStaleAgents(agentCommand, livePIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range stale {
		log.Info("killing stale agent process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
