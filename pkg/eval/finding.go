// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/AleutianAI/strata/pkg/fact"
	"github.com/AleutianAI/strata/pkg/rule"
	"github.com/AleutianAI/strata/pkg/store"
)

// Finding is one rule match over a concrete set of evidence facts.
type Finding struct {
	// RuleID is the matching rule's identifier.
	RuleID string

	// Severity is the rule's severity.
	Severity rule.Severity

	// Message is the rule's finding message.
	Message string

	// Location is the primary source position: the first evidence fact
	// carrying one, in evidence order. Nil when no evidence is located.
	Location *fact.SourceLocation

	// Evidence lists the supporting fact IDs, ascending and
	// deduplicated. Content-duplicate facts appear as their lowest ID.
	Evidence []fact.ID

	// Fingerprint is the stable identity of this finding: two findings
	// with the same rule and evidence set are the same finding.
	Fingerprint string
}

// fingerprint hashes the rule ID and the sorted evidence set.
func fingerprint(ruleID string, evidence []fact.ID) string {
	h := fnv.New64a()
	h.Write([]byte(ruleID))
	for _, id := range evidence {
		h.Write([]byte{0})
		var buf [4]byte
		buf[0] = byte(id)
		buf[1] = byte(id >> 8)
		buf[2] = byte(id >> 16)
		buf[3] = byte(id >> 24)
		h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// canonicalIDs maps evidence through the store's duplicate collapse so
// that content-equal facts contribute one finding identity.
func canonicalIDs(st *store.Store, ids []fact.ID) []fact.ID {
	out := make([]fact.ID, len(ids))
	for i, id := range ids {
		out[i] = st.Canonical(id)
	}
	return out
}

// canonicalEvidence sorts and deduplicates an evidence list in place.
func canonicalEvidence(ids []fact.ID) []fact.ID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SortFindings orders findings for stable output: severity descending,
// then path, line, rule ID, and finally fingerprint.
func SortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := &findings[i], &findings[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		ap, bp := "", ""
		al, bl := 0, 0
		if a.Location != nil {
			ap, al = a.Location.Path, a.Location.Line
		}
		if b.Location != nil {
			bp, bl = b.Location.Path, b.Location.Line
		}
		if ap != bp {
			return ap < bp
		}
		if al != bl {
			return al < bl
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Fingerprint < b.Fingerprint
	})
}
