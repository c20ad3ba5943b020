package sysinfo

import "strings"

// QuantTier is an Ollama quantization tag and the RAM it needs for a 7-8B
// model to run comfortably.
type QuantTier struct {
	Tag      string  `json:"tag"`
	Label    string  `json:"label"`
	MinRAMGB float64 `json:"min_ram_gb"`
}

// quantTiers is ordered from best quality to smallest.
var quantTiers = []QuantTier{
	{"q8_0", "Q8_0", 32},
	{"q6_K", "Q6_K", 24},
	{"q5_K_M", "Q5_K_M", 20},
	{"q4_K_M", "Q4_K_M", 16},
	{"q4_K_S", "Q4_K_S", 12},
	{"q3_K_M", "Q3_K_M", 8},
	{"q2_K", "Q2_K", 4},
}

// RecommendQuant returns the highest-quality tier that fits in ramGB. The
// smallest tier is returned when nothing fits.
func RecommendQuant(ramGB float64) QuantTier {
	for _, t := range quantTiers {
		if ramGB >= t.MinRAMGB {
			return t
		}
	}
	return quantTiers[len(quantTiers)-1]
}

// SuggestPullName appends the recommended tag to an untagged model name.
// Names that already carry a tag are returned unchanged.
func SuggestPullName(model string, ramGB float64) string {
	if strings.Contains(model, ":") {
		return model
	}
	return model + ":" + RecommendQuant(ramGB).Tag
}
