// Package placement assigns CFX cases to cluster nodes under one of
// several allocation strategies.
package placement

import (
	"fmt"
	"sort"

	"github.com/cfxcluster/cfxctl/pkg/cluster"
	"github.com/pkg/errors"
)

// Strategy names a placement algorithm.
type Strategy string

const (
	BatchAllocation Strategy = "batch_allocation"
	NodeReuse       Strategy = "node_reuse"
	SmartQueue      Strategy = "smart_queue"
	Hybrid          Strategy = "hybrid"
)

// Decision is the placement chosen for a single case.
type Decision struct {
	CaseName string
	NodeName string
	Cores    int
	MemoryMB int
	// NodesSpec is a PBS `-l nodes=...` string resolved specifically for
	// this case (e.g. by AllocateBatch), overriding the config's shared
	// nodes-spec when set.
	NodesSpec string
}

// Result is the outcome of running a placement strategy over a set of
// cases, including the nodes that could not be placed.
type Result struct {
	Strategy        Strategy
	Decisions       []Decision
	Unplaced        []string
	Efficiency      float64
	NodeUtilization float64
	Warnings        []string
}

// ErrNoNodes is returned when a strategy is asked to place cases against
// an empty or fully-unavailable node inventory.
var ErrNoNodes = errors.New("no available nodes to place cases on")

// defaultMaxConcurrentJobs bounds smart_queue's per-node load factor when
// the caller does not supply a limit.
const defaultMaxConcurrentJobs = 10

// Allocate dispatches to the named strategy. coresPerCase and memPerCase
// describe the resource footprint of a single case; maxConcurrent caps
// how many concurrent cases smart_queue will stack on one node (<=0
// selects a default).
func Allocate(strategy Strategy, caseNames []string, nodes []cluster.Node, coresPerCase, memPerCaseMB, maxConcurrent int) (Result, error) {
	available := cluster.FilterAvailable(nodes, coresPerCase, memPerCaseMB, "")
	if len(available) == 0 {
		return Result{Strategy: strategy, Unplaced: caseNames}, ErrNoNodes
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentJobs
	}

	var r Result
	switch strategy {
	case BatchAllocation:
		r = allocateBatch(caseNames, available, coresPerCase, memPerCaseMB)
	case NodeReuse:
		r = allocateNodeReuse(caseNames, available, coresPerCase, memPerCaseMB)
	case SmartQueue:
		r = allocateSmartQueue(caseNames, available, coresPerCase, memPerCaseMB, maxConcurrent)
	case Hybrid:
		r = allocateHybrid(caseNames, available, coresPerCase, memPerCaseMB, maxConcurrent)
	default:
		return Result{}, errors.Errorf("unknown placement strategy: %s", strategy)
	}

	r.NodeUtilization = cpuUtilization(r.Decisions, available)
	r.Warnings = generateWarnings(r, available)
	return r, nil
}

// cpuUtilization reports the fraction of total node cores consumed by the
// given decisions, in [0,1] — the cpu_utilization ratio (allocated cores
// over total cores), not a count of nodes merely touched.
func cpuUtilization(decisions []Decision, nodes []cluster.Node) float64 {
	totalCores := 0
	for _, n := range nodes {
		totalCores += n.Cores
	}
	if totalCores == 0 {
		return 0
	}
	usedCores := 0
	for _, d := range decisions {
		usedCores += d.Cores
	}
	return float64(usedCores) / float64(totalCores)
}

// generateWarnings flags low/high utilization, imbalanced load across
// nodes, and any case the strategy could not place.
func generateWarnings(r Result, nodes []cluster.Node) []string {
	var warnings []string
	if r.NodeUtilization > 0 && r.NodeUtilization < 0.3 {
		warnings = append(warnings, fmt.Sprintf("low node utilization: %.0f%%", r.NodeUtilization*100))
	}
	if r.NodeUtilization > 0.9 {
		warnings = append(warnings, fmt.Sprintf("high node utilization: %.0f%%", r.NodeUtilization*100))
	}

	counts := map[string]int{}
	for _, d := range r.Decisions {
		counts[d.NodeName]++
	}
	minLoad, maxLoad := -1, 0
	for _, n := range nodes {
		c := counts[n.Name]
		if minLoad == -1 || c < minLoad {
			minLoad = c
		}
		if c > maxLoad {
			maxLoad = c
		}
	}
	if minLoad > 0 && maxLoad > 2*minLoad {
		warnings = append(warnings, fmt.Sprintf("load imbalance: busiest node has %d jobs, quietest has %d", maxLoad, minLoad))
	}

	if len(r.Unplaced) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d case(s) could not be placed: %v", len(r.Unplaced), r.Unplaced))
	}
	return warnings
}

// allocateHybrid dispatches on job density (cases per node): at most one
// case per node goes round-robin, a moderate density is best-fit scored,
// and a dense batch uses first-fit bin-packing to avoid fragmenting
// nodes.
func allocateHybrid(caseNames []string, nodes []cluster.Node, cores, memMB, maxConcurrent int) Result {
	density := float64(len(caseNames)) / float64(len(nodes))
	var r Result
	switch {
	case density <= 1:
		r = allocateBatch(caseNames, nodes, cores, memMB)
	case density <= 3:
		r = allocateSmartQueue(caseNames, nodes, cores, memMB, maxConcurrent)
	default:
		r = allocateNodeReuse(caseNames, nodes, cores, memMB)
	}
	r.Strategy = Hybrid
	return r
}

// allocateBatch assigns cases to nodes round-robin, i % len(nodes). Each
// case is independent of prior assignments, so repeated calls with the
// same inputs are deterministic.
func allocateBatch(caseNames []string, nodes []cluster.Node, cores, memMB int) Result {
	r := Result{Strategy: BatchAllocation}
	if len(nodes) == 0 {
		r.Unplaced = caseNames
		return r
	}
	for i, name := range caseNames {
		n := nodes[i%len(nodes)]
		r.Decisions = append(r.Decisions, Decision{CaseName: name, NodeName: n.Name, Cores: cores, MemoryMB: memMB})
	}
	r.Efficiency = scoreEfficiency(r.Decisions, nodes, cores, memMB)
	return r
}

// allocateNodeReuse bin-packs cases onto nodes first-fit: it keeps filling
// a node with cases until its remaining cores/memory can't fit another,
// then advances to the next node.
func allocateNodeReuse(caseNames []string, nodes []cluster.Node, cores, memMB int) Result {
	r := Result{Strategy: NodeReuse}
	remaining := make([]cluster.Node, len(nodes))
	copy(remaining, nodes)

	idx := 0
	for _, name := range caseNames {
		placed := false
		for idx < len(remaining) {
			n := &remaining[idx]
			if n.Cores >= cores && n.MemoryMB >= memMB {
				r.Decisions = append(r.Decisions, Decision{CaseName: name, NodeName: n.Name, Cores: cores, MemoryMB: memMB})
				n.Cores -= cores
				n.MemoryMB -= memMB
				placed = true
				break
			}
			idx++
		}
		if !placed {
			r.Unplaced = append(r.Unplaced, name)
		}
	}
	r.Efficiency = scoreEfficiency(r.Decisions, nodes, cores, memMB)
	return r
}

// allocateSmartQueue scores every node for every case and picks the
// best-fit node by the combined cpu/memory utilization ratio discounted
// by a load factor, removing the chosen node's capacity after each
// placement. Every case shares one resource footprint, so the
// largest-first presort over required cores degenerates to input order.
func allocateSmartQueue(caseNames []string, nodes []cluster.Node, cores, memMB, maxConcurrent int) Result {
	r := Result{Strategy: SmartQueue}
	remaining := make([]cluster.Node, len(nodes))
	copy(remaining, nodes)
	jobsOn := make([]int, len(nodes))

	for _, name := range caseNames {
		bestIdx := -1
		bestScore := -1.0
		for i, n := range remaining {
			if n.Cores < cores || n.MemoryMB < memMB {
				continue
			}
			if jobsOn[i] >= maxConcurrent {
				continue
			}
			score := nodeFitScore(n, cores, memMB, jobsOn[i], maxConcurrent)
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			r.Unplaced = append(r.Unplaced, name)
			continue
		}
		n := &remaining[bestIdx]
		r.Decisions = append(r.Decisions, Decision{CaseName: name, NodeName: n.Name, Cores: cores, MemoryMB: memMB})
		n.Cores -= cores
		n.MemoryMB -= memMB
		jobsOn[bestIdx]++
	}
	r.Efficiency = scoreEfficiency(r.Decisions, nodes, cores, memMB)
	return r
}

// nodeFitScore is (cpu_ratio + memory_ratio) * load_factor: the share of
// the node's remaining capacity the case would consume, discounted as
// the node accumulates concurrent cases.
func nodeFitScore(n cluster.Node, cores, memMB, jobsOnNode, maxConcurrent int) float64 {
	if n.Cores == 0 {
		return 0
	}
	cpuRatio := float64(cores) / float64(n.Cores)
	memRatio := 0.0
	if n.MemoryMB > 0 && memMB > 0 {
		memRatio = float64(memMB) / float64(n.MemoryMB)
	}
	loadFactor := 1.0 - float64(jobsOnNode)/float64(maxConcurrent)
	if loadFactor < 0 {
		loadFactor = 0
	}
	return (cpuRatio + memRatio) * loadFactor
}

// scoreEfficiency computes an overall placement efficiency percentage
// from cpu utilization and cross-node load balance.
func scoreEfficiency(decisions []Decision, nodes []cluster.Node, cores, memMB int) float64 {
	if len(nodes) == 0 || len(decisions) == 0 {
		return 0
	}
	counts := map[string]int{}
	for _, d := range decisions {
		counts[d.NodeName]++
	}

	util := cpuUtilization(decisions, nodes)

	mean := float64(len(decisions)) / float64(len(nodes))
	variance := 0.0
	for _, n := range nodes {
		diff := float64(counts[n.Name]) - mean
		variance += diff * diff
	}
	variance /= float64(len(nodes))
	loadBalance := 1.0 / (1.0 + variance/100.0)

	return (util*0.7 + loadBalance*0.3) * 100
}

// EstimateCompletionMinutes estimates remaining wall time from the
// average per-node throughput observed so far (cases completed / node
// over elapsed minutes), applied to the cases still outstanding.
func EstimateCompletionMinutes(decisions []Decision, completedCases int, elapsedMinutes float64) float64 {
	if elapsedMinutes <= 0 || completedCases == 0 {
		return 0
	}
	nodeSet := map[string]bool{}
	for _, d := range decisions {
		nodeSet[d.NodeName] = true
	}
	nodeCount := len(nodeSet)
	if nodeCount == 0 {
		return 0
	}

	var perNodeRates []float64
	perNode := map[string]int{}
	for _, d := range decisions {
		perNode[d.NodeName]++
	}
	completedPerNode := completedCases / nodeCount
	for range perNode {
		if completedPerNode > 0 {
			perNodeRates = append(perNodeRates, float64(completedPerNode)/elapsedMinutes)
		}
	}
	if len(perNodeRates) == 0 {
		return 0
	}
	sum := 0.0
	for _, rate := range perNodeRates {
		sum += rate
	}
	avgRate := sum / float64(len(perNodeRates))
	if avgRate == 0 {
		return 0
	}

	remaining := len(decisions) - completedCases
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / avgRate / float64(nodeCount)
}

// CompareStrategies runs every strategy against the same inputs and
// returns the results sorted by descending efficiency, for the
// placement-preview CLI command.
func CompareStrategies(caseNames []string, nodes []cluster.Node, cores, memMB, maxConcurrent int) ([]Result, error) {
	strategies := []Strategy{BatchAllocation, NodeReuse, SmartQueue, Hybrid}
	var results []Result
	for _, s := range strategies {
		r, err := Allocate(s, caseNames, nodes, cores, memMB, maxConcurrent)
		if err != nil && !errors.Is(err, ErrNoNodes) {
			return nil, fmt.Errorf("strategy %s: %w", s, err)
		}
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Efficiency > results[j].Efficiency
	})
	return results, nil
}
