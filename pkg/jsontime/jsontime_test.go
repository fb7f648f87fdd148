package jsontime

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMilli_RoundTrip(t *testing.T) {
	original := NowEpochMilli()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var restored Milli
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if original.Time().UnixMilli() != restored.Time().UnixMilli() {
		t.Errorf("RoundTrip: original=%v, restored=%v", original, restored)
	}
}

func TestMilli_MarshalJSON(t *testing.T) {
	tm := time.Date(2025, 3, 10, 8, 15, 0, 0, time.UTC)
	data, err := json.Marshal(Milli(tm))
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}

	var got int64
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal result error: %v", err)
	}
	if got != tm.UnixMilli() {
		t.Errorf("MarshalJSON = %d, want %d", got, tm.UnixMilli())
	}
}

func TestMilli_Comparisons(t *testing.T) {
	t1 := Milli(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	t2 := t1.Add(time.Minute)

	if !t1.Before(t2) {
		t.Error("t1 should be before t2")
	}
	if !t2.After(t1) {
		t.Error("t2 should be after t1")
	}
	if t1.Equal(t2) {
		t.Error("t1 should not equal t2")
	}
	if t2.Sub(t1) != time.Minute {
		t.Errorf("Sub = %v, want 1m", t2.Sub(t1))
	}

	var zero Milli
	if !zero.IsZero() {
		t.Error("zero Milli should be zero")
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"2h30m"`, 2*time.Hour + 30*time.Minute},
		{`"1.5s"`, 1500 * time.Millisecond},
		{`5000000000`, 5 * time.Second},
		{`null`, 0},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Fatalf("UnmarshalJSON(%s) error: %v", tt.in, err)
		}
		if d.Duration() != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tt.in, d.Duration(), tt.want)
		}
	}
}

func TestDuration_UnmarshalJSON_Invalid(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"not a duration"`), &d); err == nil {
		t.Error("expected error for invalid duration string")
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	original := Duration(3*time.Hour + 45*time.Minute)

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var restored Duration
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if original != restored {
		t.Errorf("RoundTrip: original=%v, restored=%v", original, restored)
	}
}
