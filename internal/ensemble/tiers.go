package ensemble

// Tier is a half-open probability band [Lower, Upper) in percent.
type Tier struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Label string  `json:"label"`
	Color string  `json:"color"`
}

// RiskTiers partition [0, 100]. The last tier also holds 100 exactly.
var RiskTiers = []Tier{
	{Lower: 0, Upper: 25, Label: "Low Risk", Color: "#27AE60"},
	{Lower: 25, Upper: 45, Label: "Mild Risk", Color: "#F1C40F"},
	{Lower: 45, Upper: 65, Label: "Moderate Risk", Color: "#E67E22"},
	{Lower: 65, Upper: 85, Label: "Elevated Risk", Color: "#E74C3C"},
	{Lower: 85, Upper: 100, Label: "High Risk", Color: "#C0392B"},
}

// ConfidenceBand is a half-open confidence band [Lower, Upper).
type ConfidenceBand struct {
	Lower float64
	Upper float64
	Label string
}

// ConfidenceBands partition [0, 1]. The last band also holds 1 exactly.
var ConfidenceBands = []ConfidenceBand{
	{Lower: 0.0, Upper: 0.3, Label: "Low"},
	{Lower: 0.3, Upper: 0.6, Label: "Moderate"},
	{Lower: 0.6, Upper: 1.0, Label: "High"},
}

// TierFor maps a probability percentage to its risk tier. Values below 0
// land in the first tier and values of 100 or more in the last.
func TierFor(percent float64) Tier {
	if percent < RiskTiers[0].Lower {
		return RiskTiers[0]
	}
	for _, t := range RiskTiers {
		if percent >= t.Lower && percent < t.Upper {
			return t
		}
	}
	return RiskTiers[len(RiskTiers)-1]
}

// ConfidenceLabelFor maps a confidence score to its label. Values below 0
// land in the first band and values of 1 or more in the last.
func ConfidenceLabelFor(score float64) string {
	if score < ConfidenceBands[0].Lower {
		return ConfidenceBands[0].Label
	}
	for _, b := range ConfidenceBands {
		if score >= b.Lower && score < b.Upper {
			return b.Label
		}
	}
	return ConfidenceBands[len(ConfidenceBands)-1].Label
}

// TierLabels lists every risk tier label in ascending order.
func TierLabels() []string {
	out := make([]string, len(RiskTiers))
	for i, t := range RiskTiers {
		out[i] = t.Label
	}
	return out
}
