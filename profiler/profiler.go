// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package profiler defines the span interface frame execution reports into.
package profiler

type ProfilerGroup interface {
	Start(label string) ProfilerGroup
	End()
}

// Nop discards all spans.
type Nop struct{}

func (Nop) Start(string) ProfilerGroup { return Nop{} }
func (Nop) End()                       {}
