package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesafe/internal/detection"
)

func det(class string) detection.Detection {
	return detection.Detection{Class: class, Confidence: 0.9}
}

func TestExtractViolations(t *testing.T) {
	dets := []detection.Detection{
		det("NO-Mask"),
		det("Hardhat"),
		det("NO-Hardhat"),
		det("NO-Mask"),
		det("Person"),
	}
	assert.Equal(t, []string{"NO-Hardhat", "NO-Mask"}, ExtractViolations(dets))
	assert.Empty(t, ExtractViolations([]detection.Detection{det("Hardhat"), det("Safety Vest")}))
	assert.Empty(t, ExtractViolations(nil))
}

func TestIsViolationIsCaseSensitive(t *testing.T) {
	assert.True(t, IsViolation("NO-Safety Vest"))
	assert.False(t, IsViolation("no-hardhat"))
	assert.False(t, IsViolation("NOHardhat"))
}

// Attribution follows scan order only; these cases pin that behaviour.
func TestAttributeViolationsIsPositional(t *testing.T) {
	dets := []detection.Detection{
		det("NO-Mask"),
		det("Person"),
		det("NO-Hardhat"),
		det("NO-Hardhat"),
		det("Hardhat"),
		det("Person"),
		det("NO-Safety Vest"),
	}

	people, unattributed := AttributeViolations(dets)
	require.Len(t, people, 2)
	assert.Equal(t, []string{"NO-Hardhat"}, people[0].Violations)
	assert.Equal(t, []string{"NO-Safety Vest"}, people[1].Violations)
	assert.Equal(t, []string{"NO-Mask"}, unattributed)

	// Reordering the same boxes moves the label to the other worker.
	people, _ = AttributeViolations([]detection.Detection{det("Person"), det("Person"), det("NO-Hardhat")})
	require.Len(t, people, 2)
	assert.Empty(t, people[0].Violations)
	assert.Equal(t, []string{"NO-Hardhat"}, people[1].Violations)
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Violation detected: NO-Hardhat, NO-Mask", Message([]string{"NO-Hardhat", "NO-Mask"}, ""))
	assert.Equal(t, "Violation detected: NO-Hardhat", Message([]string{"NO-Hardhat"}, detection.UnknownWorker))
	assert.Equal(t, "Violation detected: NO-Mask (worker: W-7)", Message([]string{"NO-Mask"}, "W-7"))
}

func TestAttributedMessage(t *testing.T) {
	people, unattributed := AttributeViolations([]detection.Detection{
		det("NO-Safety Vest"),
		det("Person"),
		det("NO-Hardhat"),
		det("Person"),
		det("Person"),
		det("NO-Mask"),
	})

	msg := AttributedMessage(people, unattributed, "W-7")
	assert.Equal(t, "Violation detected: person 1: NO-Hardhat; person 3: NO-Mask; unattributed: NO-Safety Vest (worker: W-7)", msg)

	people, unattributed = AttributeViolations([]detection.Detection{det("Person"), det("Hardhat")})
	assert.Empty(t, AttributedMessage(people, unattributed, ""))
}
