package types

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestStatusNormalizationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Property: normalization is case-insensitive and idempotent
	properties.Property("normalize is case-insensitive", prop.ForAll(
		func(s string) bool {
			return NormalizeEntityStatus(strings.ToLower(s)) == NormalizeEntityStatus(strings.ToUpper(s))
		},
		gen.AlphaString(),
	))

	properties.Property("normalize is idempotent", prop.ForAll(
		func(s string) bool {
			once := NormalizeEntityStatus(s)
			return NormalizeEntityStatus(string(once)) == once
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestFinalSyncTransitionProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	statusGen := gen.OneConstOf(
		string(EntityStatusActive),
		string(EntityStatusPaused),
		string(EntityStatusDeleted),
		string(EntityStatusArchived),
	)
	casingGen := gen.OneConstOf("upper", "lower", "title")

	applyCase := func(s, casing string) string {
		switch casing {
		case "lower":
			return strings.ToLower(s)
		case "title":
			return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
		}
		return s
	}

	// Property: a final sync is owed exactly when an active entity goes
	// paused or deleted, regardless of platform casing
	properties.Property("needs final sync iff active to dormant", prop.ForAll(
		func(old, new, oldCase, newCase string) bool {
			got := NeedsFinalSync(
				EntityStatus(applyCase(old, oldCase)),
				EntityStatus(applyCase(new, newCase)),
			)
			want := old == string(EntityStatusActive) &&
				(new == string(EntityStatusPaused) || new == string(EntityStatusDeleted))
			return got == want
		},
		statusGen, statusGen, casingGen, casingGen,
	))

	properties.TestingRun(t)
}

func TestDateRangeSplitProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Property: windows are contiguous, bounded by windowDays, and cover the
	// range exactly once
	properties.Property("split windows tile the range", prop.ForAll(
		func(spanDays, windowDays int) bool {
			r := DateRange{From: base, To: base.AddDate(0, 0, spanDays-1)}
			windows := r.SplitWindows(windowDays)
			if len(windows) == 0 {
				return false
			}
			total := 0
			cursor := r.From
			for _, w := range windows {
				if !w.From.Equal(cursor) || w.To.Before(w.From) || w.Days() > windowDays {
					return false
				}
				total += w.Days()
				cursor = w.To.AddDate(0, 0, 1)
			}
			return total == r.Days() && windows[len(windows)-1].To.Equal(r.To)
		},
		gen.IntRange(1, 400),
		gen.IntRange(1, 120),
	))

	properties.TestingRun(t)
}
