// Package rules maps detection sets to PPE violation labels.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"sitesafe/internal/detection"
)

// ViolationPrefix marks a negative PPE label such as "NO-Hardhat".
const ViolationPrefix = "NO-"

// IsViolation reports whether a class label denotes missing equipment.
func IsViolation(class string) bool {
	return strings.HasPrefix(class, ViolationPrefix)
}

// ExtractViolations returns the distinct violation labels in dets, sorted.
func ExtractViolations(dets []detection.Detection) []string {
	labels := lo.FilterMap(dets, func(d detection.Detection, _ int) (string, bool) {
		return d.Class, IsViolation(d.Class)
	})
	labels = lo.Uniq(labels)
	sort.Strings(labels)
	return labels
}

// PersonViolations is the set of violation labels attributed to one Person
// detection.
type PersonViolations struct {
	Person     detection.Detection
	Violations []string
}

// AttributeViolations pairs each Person with the violation labels that follow
// it in scan order, up to the next Person. This is positional, not
// geometric: the association depends entirely on the order the detector
// emitted boxes and can attribute a label to the wrong worker. Labels seen
// before the first Person are returned as unattributed.
func AttributeViolations(dets []detection.Detection) ([]PersonViolations, []string) {
	var (
		people       []PersonViolations
		unattributed []string
	)
	for _, d := range dets {
		switch {
		case d.Class == detection.PersonClass:
			people = append(people, PersonViolations{Person: d})
		case IsViolation(d.Class):
			if len(people) == 0 {
				unattributed = append(unattributed, d.Class)
				continue
			}
			last := &people[len(people)-1]
			if !lo.Contains(last.Violations, d.Class) {
				last.Violations = append(last.Violations, d.Class)
			}
		}
	}
	return people, lo.Uniq(unattributed)
}

// Message formats the PPE alert text. workerID is appended when known.
func Message(violations []string, workerID string) string {
	return withWorker("Violation detected: "+strings.Join(violations, ", "), workerID)
}

// AttributedMessage formats the per-person variant of the alert text, e.g.
// "Violation detected: person 1: NO-Hardhat; person 2: NO-Mask". It returns
// "" when nobody has a violation.
func AttributedMessage(people []PersonViolations, unattributed []string, workerID string) string {
	var parts []string
	for i, p := range people {
		if len(p.Violations) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("person %d: %s", i+1, strings.Join(p.Violations, ", ")))
	}
	if len(unattributed) > 0 {
		parts = append(parts, "unattributed: "+strings.Join(unattributed, ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	return withWorker("Violation detected: "+strings.Join(parts, "; "), workerID)
}

func withWorker(msg, workerID string) string {
	if workerID != "" && workerID != detection.UnknownWorker {
		msg += " (worker: " + workerID + ")"
	}
	return msg
}
