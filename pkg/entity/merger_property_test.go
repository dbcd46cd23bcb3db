//go:build property
// +build property

package entity

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genDisjointEntities() gopter.Gen {
	types := []string{TypeEmail, TypePhone, TypeCCCD, TypeTaxID}
	return gen.SliceOf(gen.IntRange(0, 1000)).Map(func(seeds []int) []Entity {
		if len(seeds) > 20 {
			seeds = seeds[:20]
		}
		ents := make([]Entity, 0, len(seeds))
		cursor := 0
		for _, s := range seeds {
			length := 3 + s%10
			gap := 1 + s%5
			ents = append(ents, Entity{
				Type:   types[s%len(types)],
				Start:  cursor + gap,
				End:    cursor + gap + length,
				Score:  float64(s%101) / 100,
				Source: SourceLocalRegex,
			})
			cursor += gap + length
		}
		// Shuffle deterministically by seed parity so input order varies.
		sort.SliceStable(ents, func(i, j int) bool {
			return (ents[i].Start+ents[i].End)%3 < (ents[j].Start+ents[j].End)%3
		})
		return ents
	})
}

func TestMergerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	m := NewMerger(DefaultMergeConfig())

	properties.Property("disjoint input survives merging, sorted by start", prop.ForAll(
		func(ents []Entity) bool {
			out := m.Merge(ents)
			if len(out) != len(ents) {
				return false
			}
			for i := 1; i < len(out); i++ {
				if out[i].Start < out[i-1].Start {
					return false
				}
			}
			return true
		},
		genDisjointEntities(),
	))

	properties.Property("merging is idempotent", prop.ForAll(
		func(ents []Entity) bool {
			once := m.Merge(ents)
			twice := m.Merge(once)
			if len(once) != len(twice) {
				return false
			}
			for i := range once {
				a, b := once[i], twice[i]
				if a.Type != b.Type || a.Start != b.Start || a.End != b.End ||
					a.Score != b.Score || a.Source != b.Source {
					return false
				}
			}
			return true
		},
		genDisjointEntities(),
	))

	properties.TestingRun(t)
}
