package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Baseline of every resolved environment; plans add framework-specific
// pins on top.
var defaultRequirements = []string{
	"numpy==1.26.4",
	"scikit-learn==1.5.1",
	"pandas==2.2.2",
	"matplotlib==3.9.0",
}

// BuildRequirements derives the pinned requirements text and its content
// hash from a plan. The hash covers the sorted pin list, so two plans with
// the same resolved environment share a hash regardless of field order.
func BuildRequirements(doc *Document) (text, envHash string) {
	pins := make(map[string]struct{}, len(defaultRequirements)+3)
	for _, r := range defaultRequirements {
		pins[r] = struct{}{}
	}

	framework := strings.ToLower(doc.Config.Framework)
	modelName := strings.ToLower(doc.Model.Name)
	if strings.Contains(framework, "torch") || strings.Contains(modelName, "torch") {
		pins["torch==2.2.2"] = struct{}{}
		pins["torchvision==0.17.2"] = struct{}{}
	}
	if strings.Contains(framework, "datasets") || strings.Contains(strings.ToLower(doc.Dataset.Name), "huggingface") {
		pins["datasets==2.19.0"] = struct{}{}
	}

	lines := make([]string, 0, len(pins))
	for pin := range pins {
		lines = append(lines, pin)
	}
	sort.Strings(lines)

	joined := strings.Join(lines, "\n")
	sum := sha256.Sum256([]byte(joined))
	return joined + "\n", hex.EncodeToString(sum[:])
}
