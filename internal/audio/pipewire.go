package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// PipeWire wraps the pw-link tooling used to inspect the capture graph
type PipeWire struct{}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{}
}

// CapturePort is one output port that can feed a recording
type CapturePort struct {
	Node    string `json:"node"`
	Port    string `json:"port"`
	Monitor bool   `json:"monitor"`
}

// Name returns the full "node:port" specification
func (p CapturePort) Name() string {
	return p.Node + ":" + p.Port
}

// ListCapturePorts returns all ports that can be recorded from
func (pw *PipeWire) ListCapturePorts() ([]CapturePort, error) {
	cmd := exec.Command("pw-link", "-o")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parseCapturePorts(string(output)), nil
}

// ListCaptureNodes returns the distinct node names that expose capture ports,
// suitable for capture.device
func (pw *PipeWire) ListCaptureNodes() ([]string, error) {
	ports, err := pw.ListCapturePorts()
	if err != nil {
		return nil, err
	}
	return captureNodes(ports), nil
}

// ValidateDevice checks that a capture node is present in the graph
func (pw *PipeWire) ValidateDevice(node string) error {
	if node == "" {
		return nil
	}

	ports, err := pw.ListCapturePorts()
	if err != nil {
		return err
	}
	return validateDeviceInList(node, ports)
}

func validateDeviceInList(node string, ports []CapturePort) error {
	for _, p := range ports {
		if p.Node == node {
			return nil
		}
	}
	return fmt.Errorf("capture device not found: %s", node)
}

// parseCapturePorts parses `pw-link -o` output. Port names may contain
// colons, so the split is taken from the right.
func parseCapturePorts(output string) []CapturePort {
	var ports []CapturePort
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Output ports:") || strings.HasPrefix(line, "Input ports:") {
			continue
		}

		idx := strings.LastIndex(line, ":")
		if idx <= 0 || idx == len(line)-1 {
			slog.Debug("Skipping unparseable PipeWire port", "line", line)
			continue
		}

		node := strings.TrimSpace(line[:idx])
		port := strings.TrimSpace(line[idx+1:])
		lower := strings.ToLower(port)
		switch {
		case strings.HasPrefix(lower, "capture"):
			ports = append(ports, CapturePort{Node: node, Port: port})
		case strings.HasPrefix(lower, "monitor"):
			ports = append(ports, CapturePort{Node: node, Port: port, Monitor: true})
		}
	}
	return ports
}

func captureNodes(ports []CapturePort) []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, p := range ports {
		if p.Monitor || seen[p.Node] {
			continue
		}
		seen[p.Node] = true
		nodes = append(nodes, p.Node)
	}
	sort.Strings(nodes)
	return nodes
}
