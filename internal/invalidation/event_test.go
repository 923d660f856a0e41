package invalidation

import (
	"encoding/json"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		Version: 1,
		Op:      OpPurge,
		Index:   "ndvi",
		TS:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Source:  "reprocessing",
	}
}

func TestValidate(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(*Event){
		"bad version":   func(e *Event) { e.Version = 2 },
		"bad op":        func(e *Event) { e.Op = "delete" },
		"missing index": func(e *Event) { e.Index = "  " },
		"missing ts":    func(e *Event) { e.TS = time.Time{} },
	}
	for name, mutate := range cases {
		e := validEvent()
		mutate(&e)
		if err := e.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestDecode(t *testing.T) {
	raw := `{"version":1,"op":"purge","index":"ndwi","ts":"2024-05-01T12:00:00Z","reason":"baseline update"}`
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	if err := e.Validate(); err != nil {
		t.Fatal(err)
	}
	if e.Index != "ndwi" || e.Reason != "baseline update" {
		t.Fatalf("event = %+v", e)
	}
}
