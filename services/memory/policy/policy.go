// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy implements the memory eviction policies that keep the
// token buffer within its fixed budget.
//
// Five variants are available: sliding (FIFO), importance (attention or
// logit-probe scored), semantic (k-means over span embeddings),
// rolling_summary (periodic extractive compression), and hybrid
// (importance blended with semantic uniqueness). Every variant degrades
// to sliding when its machinery is unavailable or fails, so Apply is
// total: it always returns a buffer within budget.
package policy

import (
	"fmt"
	"strings"
)

// Variant names a memory policy.
type Variant int

const (
	Sliding Variant = iota
	Importance
	Semantic
	RollingSummary
	Hybrid
)

// String returns the wire name of the variant.
func (v Variant) String() string {
	switch v {
	case Sliding:
		return "sliding"
	case Importance:
		return "importance"
	case Semantic:
		return "semantic"
	case RollingSummary:
		return "rolling_summary"
	case Hybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant maps a policy name to its Variant. Unknown names are an
// error; the set of policies is closed and a typo must surface at
// construction, not silently behave like sliding.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sliding":
		return Sliding, nil
	case "importance":
		return Importance, nil
	case "semantic":
		return Semantic, nil
	case "rolling_summary", "rolling-summary":
		return RollingSummary, nil
	case "hybrid":
		return Hybrid, nil
	default:
		return Sliding, fmt.Errorf("policy: unknown variant %q", name)
	}
}

// Variants lists all valid policy names.
func Variants() []string {
	return []string{"sliding", "importance", "semantic", "rolling_summary", "hybrid"}
}
