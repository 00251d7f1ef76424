package placement

import (
	"fmt"

	"github.com/cfxcluster/cfxctl/pkg/cluster"
)

// BatchJobSpec is one job's requested ppn within a call to AllocateBatch.
type BatchJobSpec struct {
	JobName string
	PPN     int
}

// BatchAllocationResult is one job's resolved nodes spec from a batch
// allocation call, plus any warnings raised either for that job alone or,
// once every job in the batch has been placed, about the batch as a whole.
type BatchAllocationResult struct {
	JobName  string
	Spec     NodesSpec
	Warnings []string
}

// AllocateBatch resolves a PBS nodes spec for every job in a batch,
// considering resource contention between the jobs: a node already
// carrying maxConcurrentJobs from earlier jobs in this same batch is
// excluded from later jobs' candidate pool, and the cumulative core load
// placed on each node is tracked so a final imbalance check can flag a
// batch that piled too much onto one node.
func AllocateBatch(mode NodesSpecMode, nodes []cluster.Node, jobs []BatchJobSpec, maxConcurrentJobs int) []BatchAllocationResult {
	if maxConcurrentJobs <= 0 {
		maxConcurrentJobs = 2
	}

	jobCounts := map[string]int{}
	coreLoads := map[string]int{}
	for _, n := range nodes {
		coreLoads[n.Name] = 0
	}

	results := make([]BatchAllocationResult, 0, len(jobs))
	for _, job := range jobs {
		var eligible []cluster.Node
		for _, n := range nodes {
			if jobCounts[n.Name] < maxConcurrentJobs {
				eligible = append(eligible, n)
			}
		}

		spec, err := AllocateNodesSpec(mode, eligible, job.PPN)
		res := BatchAllocationResult{JobName: job.JobName, Spec: spec}
		if err != nil {
			res.Warnings = append(res.Warnings, err.Error())
			results = append(results, res)
			continue
		}
		for name, load := range spec.NodeLoads {
			jobCounts[name]++
			coreLoads[name] += load
		}
		results = append(results, res)
	}

	if len(coreLoads) > 0 {
		minLoad, maxLoad := -1, 0
		for _, load := range coreLoads {
			if minLoad == -1 || load < minLoad {
				minLoad = load
			}
			if load > maxLoad {
				maxLoad = load
			}
		}
		if maxLoad-minLoad > 10 {
			msg := fmt.Sprintf("node load imbalanced across batch: max %d, min %d", maxLoad, minLoad)
			for i := range results {
				results[i].Warnings = append(results[i].Warnings, msg)
			}
		}
	}

	return results
}
