package event

import (
	"testing"
	"time"
)

func TestKeyForTime(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want PartitionKey
	}{
		{
			name: "mid hour",
			ts:   time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
			want: PartitionKey{Date: "20260314", Hour: 9},
		},
		{
			name: "hour boundary belongs to the new hour",
			ts:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
			want: PartitionKey{Date: "20260314", Hour: 10},
		},
		{
			name: "non-UTC input is bucketed in UTC",
			ts:   time.Date(2026, 3, 14, 0, 30, 0, 0, time.FixedZone("CET", 3600)),
			want: PartitionKey{Date: "20260313", Hour: 23},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyForTime(tt.ts); got != tt.want {
				t.Errorf("KeyForTime(%v) = %v, want %v", tt.ts, got, tt.want)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("2026031409")
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if key.Date != "20260314" || key.Hour != 9 {
		t.Errorf("got %+v, want 20260314/9", key)
	}

	if key.String() != "2026031409" {
		t.Errorf("String() = %q, want 2026031409", key.String())
	}
	if key.ObjectPrefix() != "20260314/09" {
		t.Errorf("ObjectPrefix() = %q, want 20260314/09", key.ObjectPrefix())
	}

	for _, bad := range []string{"", "20260314", "2026031425", "not-a-key"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}

func TestPartitionKeyWindow(t *testing.T) {
	key := PartitionKey{Date: "20260314", Hour: 9}

	wantStart := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if !key.Start().Equal(wantStart) {
		t.Errorf("Start() = %v, want %v", key.Start(), wantStart)
	}
	if !key.End().Equal(wantStart.Add(time.Hour)) {
		t.Errorf("End() = %v, want %v", key.End(), wantStart.Add(time.Hour))
	}

	next := key.Next()
	if next.Hour != 10 || next.Date != "20260314" {
		t.Errorf("Next() = %+v, want hour 10 same day", next)
	}

	// Day rollover.
	last := PartitionKey{Date: "20260314", Hour: 23}
	if got := last.Next(); got.Date != "20260315" || got.Hour != 0 {
		t.Errorf("Next() across midnight = %+v", got)
	}

	if !key.Before(next) {
		t.Error("key should sort before its successor")
	}
	if next.Before(key) {
		t.Error("successor must not sort before key")
	}
}

func TestKeysInRange(t *testing.T) {
	from := time.Date(2026, 3, 14, 22, 15, 0, 0, time.UTC)
	to := time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)

	keys := KeysInRange(from, to)
	want := []PartitionKey{
		{Date: "20260314", Hour: 22},
		{Date: "20260314", Hour: 23},
		{Date: "20260315", Hour: 0},
	}

	if len(keys) != len(want) {
		t.Fatalf("got %d keys %v, want %d", len(keys), keys, len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %v, want %v", i, keys[i], want[i])
		}
	}

	if got := KeysInRange(to, from); got != nil {
		t.Errorf("inverted range should yield no keys, got %v", got)
	}
}
