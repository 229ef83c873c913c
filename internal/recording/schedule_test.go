package recording

import (
	"testing"
	"time"
)

func TestParseSchedule_ValidEntries(t *testing.T) {
	entries, err := ParseSchedule("1111100 08:00-18:00\n0000011 00:00-23:59")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].StartMin != 8*60 || entries[0].EndMin != 18*60 {
		t.Errorf("unexpected weekday entry: %+v", entries[0])
	}
}

func TestParseSchedule_BlankLinesIgnored(t *testing.T) {
	entries, err := ParseSchedule("\n1111111 00:00-23:59\n\n")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestParseSchedule_RejectsBadDayMask(t *testing.T) {
	if _, err := ParseSchedule("111110 08:00-18:00"); err == nil {
		t.Error("expected error for 6-character day mask")
	}
	if _, err := ParseSchedule("111111x 08:00-18:00"); err == nil {
		t.Error("expected error for non-0/1 day mask character")
	}
}

func TestParseSchedule_RejectsBadTimeRange(t *testing.T) {
	cases := []string{
		"1111111 18:00-08:00", // end before start
		"1111111 25:00-26:00", // invalid hour
		"1111111 0800-1800",   // missing colon
		"1111111",             // missing time range entirely
	}
	for _, c := range cases {
		if _, err := ParseSchedule(c); err == nil {
			t.Errorf("expected error for schedule line %q", c)
		}
	}
}

func TestParseSchedule_OptionalTZOffset(t *testing.T) {
	entries, err := ParseSchedule("1111111 08:00-18:00 -300")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if entries[0].TZOffsetMin != -300 {
		t.Errorf("expected TZOffsetMin -300, got %d", entries[0].TZOffsetMin)
	}
}

func TestParseSchedule_RejectsBadTZOffset(t *testing.T) {
	if _, err := ParseSchedule("1111111 08:00-18:00 notanumber"); err == nil {
		t.Error("expected error for non-numeric tz offset")
	}
}

func TestActive_WithinWindow(t *testing.T) {
	entries, err := ParseSchedule("1111111 08:00-18:00")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	noon := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC) // a Monday
	if !Active(entries, noon) {
		t.Error("expected schedule to be active at noon")
	}
	midnight := time.Date(2026, 1, 5, 0, 30, 0, 0, time.UTC)
	if Active(entries, midnight) {
		t.Error("expected schedule to be inactive at 00:30")
	}
}

func TestActive_DayMaskExcludesDay(t *testing.T) {
	// Only Saturday (index 6) is active.
	entries, err := ParseSchedule("0000001 00:00-23:59")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	monday := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	if Active(entries, monday) {
		t.Error("expected schedule inactive on Monday when only Saturday is set")
	}
	saturday := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	if !Active(entries, saturday) {
		t.Error("expected schedule active on Saturday")
	}
}

func TestActive_OverlappingEntriesUnion(t *testing.T) {
	entries, err := ParseSchedule("1111111 08:00-10:00\n1111111 09:00-12:00")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	mid := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	if !Active(entries, mid) {
		t.Error("expected union of overlapping entries to be active at 09:30")
	}
	after := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)
	if !Active(entries, after) {
		t.Error("expected union of overlapping entries to be active at 11:00 (covered by second entry)")
	}
	before := time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)
	if Active(entries, before) {
		t.Error("expected schedule inactive at 07:00, before either entry starts")
	}
}

func TestActive_NoEntries(t *testing.T) {
	if Active(nil, time.Now()) {
		t.Error("expected Active to return false for an empty schedule")
	}
}
