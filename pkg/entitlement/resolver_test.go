package entitlement

import (
	"testing"
	"time"
)

func TestIsPremiumAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		subs []*Subscription
		want bool
	}{
		{"no rows", nil, false},
		{"active", []*Subscription{{Status: StatusActive}}, true},
		{"trialing", []*Subscription{{Status: StatusTrialing, CurrentPeriodEnd: past}}, true},
		{"canceled pending in period", []*Subscription{{Status: StatusCanceledPending, CurrentPeriodEnd: future}}, true},
		{"canceled pending after period", []*Subscription{{Status: StatusCanceledPending, CurrentPeriodEnd: past}}, false},
		{"canceled pending at period end", []*Subscription{{Status: StatusCanceledPending, CurrentPeriodEnd: now}}, false},
		{"past due", []*Subscription{{Status: StatusPastDue, CurrentPeriodEnd: future}}, false},
		{"expired", []*Subscription{{Status: StatusExpired, CurrentPeriodEnd: future}}, false},
		{"any source grants", []*Subscription{
			{Source: SourceWeb, Status: StatusExpired},
			{Source: SourceAppStore, Status: StatusActive},
		}, true},
	}
	for _, tt := range tests {
		if got := IsPremiumAt(tt.subs, now); got != tt.want {
			t.Errorf("%s: IsPremiumAt = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	subs := []*Subscription{
		{Source: SourceWeb, Status: StatusExpired, CreatedAt: now.Add(-48 * time.Hour)},
		{Source: SourceWeb, Status: StatusCanceledPending, CurrentPeriodEnd: now.Add(time.Hour), CreatedAt: now.Add(-time.Hour)},
		{Source: SourcePlayStore, Status: StatusPastDue, CreatedAt: now},
	}

	sum := Summarize("user_1", subs, now)
	if !sum.Premium {
		t.Error("Expected premium from the canceled_pending web row")
	}
	if len(sum.Sources) != 2 {
		t.Fatalf("Expected one summary per source, got %d", len(sum.Sources))
	}
	if sum.Sources[0].Source != SourceWeb || sum.Sources[0].Status != StatusCanceledPending || !sum.Sources[0].Premium {
		t.Errorf("Unexpected web summary %+v", sum.Sources[0])
	}
	if sum.Sources[0].CurrentPeriodEnd == nil {
		t.Error("Expected period end on the web summary")
	}
	if sum.Sources[1].Source != SourcePlayStore || sum.Sources[1].Premium {
		t.Errorf("Unexpected play store summary %+v", sum.Sources[1])
	}
}

// Every combination of per-source state: premium iff some source is active
// or trialing, or canceled_pending with the period still running.
func TestIsPremiumAt_AllCombinations(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	statuses := []Status{StatusNone, StatusTrialing, StatusActive, StatusPastDue, StatusCanceledPending, StatusExpired}
	ends := []time.Time{now.Add(-time.Minute), now.Add(time.Minute)}

	type state struct {
		status Status
		end    time.Time
	}
	var states []state
	for _, s := range statuses {
		for _, e := range ends {
			states = append(states, state{s, e})
		}
	}

	checked := 0
	for _, a := range states {
		for _, b := range states {
			for _, c := range states {
				var subs []*Subscription
				want := false
				for i, st := range []state{a, b, c} {
					if st.status == StatusNone {
						continue
					}
					subs = append(subs, &Subscription{Source: Sources[i], Status: st.status, CurrentPeriodEnd: st.end})
					switch st.status {
					case StatusActive, StatusTrialing:
						want = true
					case StatusCanceledPending:
						want = want || st.end.After(now)
					}
				}
				if got := IsPremiumAt(subs, now); got != want {
					t.Fatalf("IsPremiumAt(%v, %v, %v) = %v, want %v", a, b, c, got, want)
				}
				if got := Summarize("u", subs, now).Premium; got != want {
					t.Fatalf("Summarize(%v, %v, %v).Premium = %v, want %v", a, b, c, got, want)
				}
				checked++
			}
		}
	}
	if checked != len(states)*len(states)*len(states) {
		t.Errorf("checked %d combinations", checked)
	}
}
