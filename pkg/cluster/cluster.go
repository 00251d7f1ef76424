// Package cluster detects the scheduler dialect of a remote cluster and
// queries it for a normalized inventory of nodes.
package cluster

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "cluster")

// NodeState is the closed set of normalized node states.
type NodeState string

const (
	NodeIdle       NodeState = "idle"
	NodeAllocated  NodeState = "allocated"
	NodeMixed      NodeState = "mixed"
	NodeDown       NodeState = "down"
	NodeOffline    NodeState = "offline"
	NodeDraining   NodeState = "draining"
	NodeCompleting NodeState = "completing"
	NodeReserved   NodeState = "reserved"
	NodeBusy       NodeState = "busy"
	NodeUnknown    NodeState = "unknown"
)

// Dialect identifies the scheduler command family.
type Dialect string

const (
	SLURM Dialect = "SLURM"
	PBS   Dialect = "PBS"
)

// Node is the normalized node record shared by both dialects.
type Node struct {
	Name      string
	Cores     int
	MemoryMB  int
	RawState  string
	State     NodeState
	Available bool
	Partition string
	Features  string
	QueryTime time.Time
}

// ErrNoScheduler is returned when neither `sinfo` nor `pbsnodes` is found
// on the remote host.
var ErrNoScheduler = errors.New("unable to detect a supported scheduler dialect")

// Executor is the narrow remote-command surface this package needs.
type Executor interface {
	Exec(ctx context.Context, cmd string, timeout int) (stdout, stderr string, exitCode int, err error)
}

// DetectDialect probes `which sinfo` then `which pbsnodes`.
func DetectDialect(ctx context.Context, exec Executor) (Dialect, error) {
	if _, _, code, err := exec.Exec(ctx, "which sinfo", 30); err == nil && code == 0 {
		return SLURM, nil
	}
	if _, _, code, err := exec.Exec(ctx, "which pbsnodes", 30); err == nil && code == 0 {
		return PBS, nil
	}
	return "", ErrNoScheduler
}

// QueryNodes dispatches to the dialect-specific query and parser.
func QueryNodes(ctx context.Context, exec Executor, dialect Dialect) ([]Node, error) {
	switch dialect {
	case SLURM:
		return querySLURMNodes(ctx, exec)
	case PBS:
		return queryPBSNodes(ctx, exec)
	default:
		return nil, errors.Errorf("unsupported scheduler dialect: %s", dialect)
	}
}

func querySLURMNodes(ctx context.Context, exec Executor) ([]Node, error) {
	stdout, stderr, code, err := exec.Exec(ctx, "sinfo -N -h -o '%N %c %m %t %P %f'", 30)
	if err != nil {
		return nil, errors.Wrap(err, "sinfo query failed")
	}
	if code != 0 {
		return nil, errors.Errorf("sinfo query failed: %s", stderr)
	}
	return parseSLURMOutput(stdout), nil
}

func parseSLURMOutput(output string) []Node {
	var nodes []Node
	now := time.Now()
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 5 {
			log.WithField("line", line).Warn("dropping unparseable sinfo row")
			continue
		}
		if parseCPUCount(parts[1]) == 0 {
			log.WithField("node", parts[0]).Warn("dropping node with unparseable core count")
			continue
		}
		rawState := parts[3]
		normalized := normalizeSLURMState(rawState)
		n := Node{
			Name:      parts[0],
			Cores:     parseCPUCount(parts[1]),
			MemoryMB:  parseMemorySize(parts[2]),
			RawState:  rawState,
			State:     normalized,
			Partition: parts[4],
			Available: isSLURMAvailable(rawState),
			QueryTime: now,
		}
		if len(parts) > 5 {
			n.Features = parts[5]
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func normalizeSLURMState(raw string) NodeState {
	switch strings.ToLower(raw) {
	case "idle":
		return NodeIdle
	case "alloc":
		return NodeAllocated
	case "mix":
		return NodeMixed
	case "down":
		return NodeDown
	case "drain":
		return NodeDraining
	case "comp":
		return NodeCompleting
	case "resv":
		return NodeReserved
	default:
		return NodeUnknown
	}
}

func isSLURMAvailable(raw string) bool {
	switch strings.ToLower(raw) {
	case "idle", "mix":
		return true
	default:
		return false
	}
}

func queryPBSNodes(ctx context.Context, exec Executor) ([]Node, error) {
	stdout, stderr, code, err := exec.Exec(ctx, "pbsnodes -a", 30)
	if err != nil {
		return nil, errors.Wrap(err, "pbsnodes query failed")
	}
	if code != 0 {
		return nil, errors.Errorf("pbsnodes query failed: %s", stderr)
	}
	return parsePBSOutput(stdout), nil
}

// parsePBSOutput parses the block-structured `pbsnodes -a` output: a node
// name header line (no leading whitespace, no '='), followed by indented
// `key = value` attribute lines, blocks separated by blank lines.
func parsePBSOutput(output string) []Node {
	var nodes []Node
	var current *Node
	now := time.Now()

	flush := func() {
		if current == nil {
			return
		}
		if current.Cores <= 0 {
			log.WithField("node", current.Name).Warn("dropping node with unparseable attributes")
		} else {
			nodes = append(nodes, *current)
		}
		current = nil
	}

	for _, rawLine := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(rawLine)
		if trimmed == "" {
			flush()
			continue
		}

		isHeader := !strings.HasPrefix(rawLine, " ") && !strings.HasPrefix(rawLine, "\t") && !strings.Contains(trimmed, "=")
		if isHeader {
			flush()
			current = &Node{Name: trimmed, State: NodeUnknown, QueryTime: now}
			continue
		}

		if current == nil || !strings.Contains(trimmed, "=") {
			continue
		}

		kv := strings.SplitN(trimmed, "=", 2)
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])

		switch key {
		case "state":
			current.RawState = value
			current.State = normalizePBSState(value)
			current.Available = isPBSAvailable(value)
		case "np":
			current.Cores = parseCPUCount(value)
		case "properties":
			current.Features = value
		case "status":
			parsePBSStatusField(current, value)
		}
	}
	flush()
	return nodes
}

func parsePBSStatusField(n *Node, status string) {
	for _, pair := range strings.Split(status, ",") {
		if !strings.Contains(pair, "=") {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])

		switch key {
		case "totmem":
			n.MemoryMB = parseMemorySize(value)
		case "ncpus":
			// np takes priority; only use ncpus if cores is still unset.
			if n.Cores == 0 {
				if c := parseCPUCount(value); c > 0 {
					n.Cores = c
				}
			}
		}
	}
}

func normalizePBSState(raw string) NodeState {
	switch strings.ToLower(raw) {
	case "free":
		return NodeIdle
	case "job-exclusive":
		return NodeAllocated
	case "job-sharing":
		return NodeMixed
	case "down":
		return NodeDown
	case "offline":
		return NodeOffline
	case "busy":
		return NodeBusy
	case "state-unknown":
		return NodeUnknown
	default:
		return NodeUnknown
	}
}

func isPBSAvailable(raw string) bool {
	return strings.ToLower(raw) == "free"
}

var leadingIntRe = regexp.MustCompile(`\d+`)

func parseCPUCount(s string) int {
	m := leadingIntRe.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

var memoryRe = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*([kmgt]?b?)$`)

// parseMemorySize converts strings like "64GB", "2048mb", "0kb" to MB.
func parseMemorySize(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	m := memoryRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	size, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	unit := strings.ToUpper(m[2])

	switch {
	case strings.HasPrefix(unit, "K"):
		return int(size / 1024)
	case strings.HasPrefix(unit, "G"):
		return int(size * 1024)
	case strings.HasPrefix(unit, "T"):
		return int(size * 1024 * 1024)
	default:
		return int(size)
	}
}

// FilterAvailable returns nodes that are available, meet the minimum
// core/memory requirements, and (if set) belong to the given partition.
func FilterAvailable(nodes []Node, minCores, minMemoryMB int, partition string) []Node {
	var out []Node
	for _, n := range nodes {
		if !n.Available {
			continue
		}
		if n.Cores < minCores {
			continue
		}
		if n.MemoryMB < minMemoryMB {
			continue
		}
		if partition != "" && n.Partition != partition {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Summary aggregates an inventory for reporting.
type Summary struct {
	TotalNodes     int
	AvailableNodes int
	TotalCores     int
	AvailableCores int
	TotalMemoryMB  int
	AvailableMemMB int
	States         map[NodeState]int
	Partitions     map[string]PartitionSummary
}

// PartitionSummary aggregates one partition's resources.
type PartitionSummary struct {
	Nodes    int
	Cores    int
	MemoryMB int
}

// Summarize builds a Summary from a node inventory.
func Summarize(nodes []Node) Summary {
	s := Summary{States: map[NodeState]int{}, Partitions: map[string]PartitionSummary{}}
	s.TotalNodes = len(nodes)
	for _, n := range nodes {
		s.TotalCores += n.Cores
		s.TotalMemoryMB += n.MemoryMB
		if n.Available {
			s.AvailableNodes++
			s.AvailableCores += n.Cores
			s.AvailableMemMB += n.MemoryMB
		}
		s.States[n.State]++
		if n.Partition != "" {
			p := s.Partitions[n.Partition]
			p.Nodes++
			p.Cores += n.Cores
			p.MemoryMB += n.MemoryMB
			s.Partitions[n.Partition] = p
		}
	}
	return s
}
