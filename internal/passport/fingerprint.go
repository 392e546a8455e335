package passport

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/agentgovern/sentinel/internal/canonical"
)

// Gene is a single capability gene as reported by the gene-extraction
// collaborator. Only dominant genes (strength >= 0.85) enter a fingerprint.
type Gene struct {
	Name     string  `json:"gene_name"`
	Type     string  `json:"gene_type"`
	Strength float64 `json:"strength"`
}

// DominantGeneThreshold is the minimum strength for a gene to count toward
// the DNA fingerprint.
const DominantGeneThreshold = 0.85

// ComputeDNAFingerprint returns the privacy-preserving SHA-256 fingerprint
// of an agent's dominant genes: a canonical hash of sorted
// "name:type:strength" triples with strength rounded to two decimals.
// Agents with no dominant genes share the fixed SHA-256("no-genes") value.
func ComputeDNAFingerprint(genes []Gene) string {
	var summary []string
	for _, g := range genes {
		if g.Strength < DominantGeneThreshold {
			continue
		}
		rounded := math.Round(g.Strength*100) / 100
		summary = append(summary,
			fmt.Sprintf("%s:%s:%s", g.Name, g.Type, strconv.FormatFloat(rounded, 'g', -1, 64)))
	}
	if len(summary) == 0 {
		return canonical.HashBytes([]byte("no-genes"))
	}
	sort.Strings(summary)
	h, err := canonical.Hash(summary)
	if err != nil {
		// A []string cannot fail canonical marshaling.
		panic(err)
	}
	return h
}
