// Package capability computes what two sessions can speak to each other:
// common protocol versions, shared features, and the incompatibilities that
// block a required protocol.
package capability

import (
	"fmt"

	"k8s.io/utils/set"

	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// Incompatibility explains why a required protocol cannot be negotiated and,
// where possible, suggests a resolution.
type Incompatibility struct {
	Protocol   string   `json:"protocol"`
	Reason     string   `json:"reason"`
	LeftOnly   []string `json:"left_versions,omitempty"`
	RightOnly  []string `json:"right_versions,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// UnsupportedFeatures lists the features each side declares that the other
// side lacks.
type UnsupportedFeatures struct {
	Left  []string `json:"left,omitempty"`
	Right []string `json:"right,omitempty"`
}

// Result is the outcome of negotiating two capability sets.
type Result struct {
	Compatible          bool                `json:"compatible"`
	CommonProtocols     map[string]string   `json:"common_protocols"` // protocol -> selected version
	CommonFeatures      []string            `json:"common_features"`
	UnsupportedFeatures UnsupportedFeatures `json:"unsupported_features"`
	Incompatibilities   []Incompatibility   `json:"incompatibilities,omitempty"`
}

// Negotiate intersects two capability sets. For every protocol both sides
// declare, the selected version is the lexicographically first of the common
// versions. The pair is compatible when no required protocol is blocked and,
// if a required list was given, at least one required protocol negotiated a
// common version. Disjoint capability sets with nothing required still
// negotiate as compatible; the gaps are advisory.
func Negotiate(left, right types.Capabilities, required []string) *Result {
	res := &Result{
		CommonProtocols: make(map[string]string),
	}

	for name, leftVersions := range left.Protocols {
		rightVersions, ok := right.Protocols[name]
		if !ok {
			continue
		}
		common := set.New(leftVersions...).Intersection(set.New(rightVersions...))
		if common.Len() == 0 {
			continue
		}
		res.CommonProtocols[name] = common.SortedList()[0]
	}

	leftFeatures := set.New(left.Features...)
	rightFeatures := set.New(right.Features...)
	res.CommonFeatures = leftFeatures.Intersection(rightFeatures).SortedList()
	res.UnsupportedFeatures = UnsupportedFeatures{
		Left:  leftFeatures.Difference(rightFeatures).SortedList(),
		Right: rightFeatures.Difference(leftFeatures).SortedList(),
	}

	for _, name := range required {
		if _, ok := res.CommonProtocols[name]; ok {
			continue
		}
		res.Incompatibilities = append(res.Incompatibilities, diagnose(name, left, right))
	}

	res.Compatible = len(res.Incompatibilities) == 0 &&
		(len(required) == 0 || len(res.CommonProtocols) > 0)
	return res
}

// diagnose builds the incompatibility record for a protocol the two sides
// cannot agree on.
func diagnose(name string, left, right types.Capabilities) Incompatibility {
	leftVersions, leftHas := left.Protocols[name]
	rightVersions, rightHas := right.Protocols[name]

	inc := Incompatibility{Protocol: name}
	switch {
	case !leftHas && !rightHas:
		inc.Reason = "neither session declares the protocol"
		inc.Suggestion = fmt.Sprintf("register %s and declare it on both sessions", name)
	case !leftHas:
		inc.Reason = "only one session declares the protocol"
		inc.RightOnly = set.New(rightVersions...).SortedList()
		inc.Suggestion = fmt.Sprintf("declare %s on the other session", name)
	case !rightHas:
		inc.Reason = "only one session declares the protocol"
		inc.LeftOnly = set.New(leftVersions...).SortedList()
		inc.Suggestion = fmt.Sprintf("declare %s on the other session", name)
	default:
		inc.Reason = "no common version"
		inc.LeftOnly = set.New(leftVersions...).SortedList()
		inc.RightOnly = set.New(rightVersions...).SortedList()
		inc.Suggestion = fmt.Sprintf("upgrade one side of %s to a shared version", name)
	}
	return inc
}

// MatrixEntry is one pairwise negotiation in a compatibility matrix.
type MatrixEntry struct {
	Left   string  `json:"left"`
	Right  string  `json:"right"`
	Result *Result `json:"result"`
}

// Matrix negotiates every unordered pair of sessions once, in input order.
// Negotiation is symmetric up to the version selection rule, which is
// order-independent, so one direction per pair suffices.
func Matrix(sessions []*types.Session, required []string) []MatrixEntry {
	var out []MatrixEntry
	for i := 0; i < len(sessions); i++ {
		for j := i + 1; j < len(sessions); j++ {
			out = append(out, MatrixEntry{
				Left:   sessions[i].ID,
				Right:  sessions[j].ID,
				Result: Negotiate(sessions[i].Capabilities, sessions[j].Capabilities, required),
			})
		}
	}
	return out
}
