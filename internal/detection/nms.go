package detection

import (
	"sort"

	"github.com/samber/lo"

	"sitesafe/internal/geometry"
)

// NMS runs non-max suppression independently for each class label so a
// confident Person box never hides an overlapping NO-Hardhat box. Within a
// class, a box is dropped when its IoU with an already kept box exceeds
// iouThreshold. Equal-confidence ties keep input order.
func NMS(dets []Detection, iouThreshold float64) []Detection {
	if len(dets) == 0 {
		return nil
	}

	groups := lo.GroupBy(dets, func(d Detection) string { return d.Class })
	classes := lo.Uniq(lo.Map(dets, func(d Detection, _ int) string { return d.Class }))

	kept := make([]Detection, 0, len(dets))
	for _, class := range classes {
		group := append([]Detection(nil), groups[class]...)
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})

		for len(group) > 0 {
			best := group[0]
			kept = append(kept, best)
			group = lo.Filter(group[1:], func(d Detection, _ int) bool {
				return geometry.IoU(best.BBox, d.BBox) <= iouThreshold
			})
		}
	}
	return kept
}
