// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fact

import (
	"strings"
	"testing"
)

func TestType_StringRoundTrip(t *testing.T) {
	for typ := TypeUnknown; typ < NumTypes; typ++ {
		name := typ.String()
		if name == "" {
			t.Fatalf("type %d has empty name", typ)
		}
		parsed, ok := ParseType(name)
		if !ok {
			t.Fatalf("ParseType(%q) not recognized", name)
		}
		// TypeUnknown and out-of-range both stringify to "unknown".
		if parsed != typ && name != "unknown" {
			t.Errorf("ParseType(%q) = %v, want %v", name, parsed, typ)
		}
	}
}

func TestParseType_Unrecognized(t *testing.T) {
	if _, ok := ParseType("no_such_type"); ok {
		t.Error("expected unrecognized type name to fail")
	}
}

func TestSourceLocation_String(t *testing.T) {
	loc := SourceLocation{Path: "pkg/auth/login.py", Line: 42}
	if got := loc.String(); got != "pkg/auth/login.py:42" {
		t.Errorf("String() = %q", got)
	}
	loc.Column = 7
	if got := loc.String(); got != "pkg/auth/login.py:42:7" {
		t.Errorf("String() with column = %q", got)
	}
}

func TestFact_EffectiveFlowRole(t *testing.T) {
	tests := []struct {
		name string
		fact Fact
		want FlowRole
	}{
		{"no flow", Fact{Type: TypeTaintSource}, FlowRoleNone},
		{"source derives produces", Fact{Type: TypeTaintSource, Flow: "f1"}, FlowRoleProduces},
		{"sink derives consumes", Fact{Type: TypeTaintSink, Flow: "f1"}, FlowRoleConsumes},
		{"sanitizer derives on-path", Fact{Type: TypeSanitization, Flow: "f1"}, FlowRoleOnPath},
		{"custom on flow defaults on-path", Fact{Type: TypeCustom, Flow: "f1"}, FlowRoleOnPath},
		{"explicit role wins", Fact{Type: TypeTaintSource, Flow: "f1", FlowRole: FlowRoleConsumes}, FlowRoleConsumes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fact.EffectiveFlowRole(); got != tt.want {
				t.Errorf("EffectiveFlowRole() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFact_Discriminant(t *testing.T) {
	f := Fact{Type: TypeVulnerability}
	if got := f.Discriminant(); got != "vulnerability" {
		t.Errorf("Discriminant() = %q", got)
	}

	c := Fact{Type: TypeCustom, Custom: &CustomPayload{Discriminant: "sbom_component"}}
	if got := c.Discriminant(); got != "sbom_component" {
		t.Errorf("custom Discriminant() = %q", got)
	}
}

func TestFlowFactory_Unique(t *testing.T) {
	factory := NewFlowFactory("semgrep")
	seen := make(map[FlowID]bool)
	for i := 0; i < 1000; i++ {
		id := factory.Next()
		if seen[id] {
			t.Fatalf("duplicate flow id %s", id)
		}
		seen[id] = true
		if !strings.HasPrefix(string(id), "semgrep/") {
			t.Fatalf("flow id %s missing extractor scope", id)
		}
	}
}

func TestFlowFactory_RunsDoNotCollide(t *testing.T) {
	a := NewFlowFactory("semgrep")
	b := NewFlowFactory("semgrep")
	if a.Next() == b.Next() {
		t.Error("flow ids from distinct runs collided")
	}
}
