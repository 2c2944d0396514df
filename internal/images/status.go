package images

import (
	"strings"

	"github.com/cusdeb/cusdeb-api/internal/database"
)

var statusLabels = map[string]string{
	database.ImageStatusPending:     "Pending",
	database.ImageStatusBuilding:    "Building",
	database.ImageStatusSucceeded:   "Succeeded",
	database.ImageStatusFailed:      "Failed",
	database.ImageStatusInterrupted: "Interrupted",
}

var flavourLabels = map[string]string{
	database.FlavourClassic:  "Classic",
	database.FlavourMender:   "Mender",
	database.FlavourArtifact: "Artifact",
}

// transitions lists the statuses reachable from each status. Terminal
// statuses have no entry.
var transitions = map[string][]string{
	database.ImageStatusPending:  {database.ImageStatusBuilding},
	database.ImageStatusBuilding: {database.ImageStatusSucceeded, database.ImageStatusFailed, database.ImageStatusInterrupted},
}

func StatusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}

func FlavourLabel(flavour string) string {
	if label, ok := flavourLabels[flavour]; ok {
		return label
	}
	return flavour
}

// ParseStatus accepts either the stored value or its label, in any case.
func ParseStatus(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	_, ok := statusLabels[s]
	return s, ok
}

// ParseFlavour accepts either the stored value or its label, in any case.
func ParseFlavour(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	_, ok := flavourLabels[s]
	return s, ok
}

func IsTerminal(status string) bool {
	_, ok := statusLabels[status]
	return ok && len(transitions[status]) == 0
}

// CanTransition reports whether an image may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
