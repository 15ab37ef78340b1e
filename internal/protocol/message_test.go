package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChannelRefUnmarshal(t *testing.T) {
	var c ChannelRef
	if err := json.Unmarshal([]byte(`["wb-adc","A1"]`), &c); err != nil {
		t.Fatal(err)
	}
	if c.Device != "wb-adc" || c.Control != "A1" {
		t.Errorf("got %+v, want {wb-adc A1}", c)
	}
}

func TestChannelRefUnmarshalInvalid(t *testing.T) {
	bad := []string{
		`"wb-adc/A1"`,
		`["wb-adc"]`,
		`["wb-adc","A1","extra"]`,
		`[1,2]`,
		`null`,
	}
	for _, data := range bad {
		var c ChannelRef
		err := json.Unmarshal([]byte(data), &c)
		if err == nil {
			t.Errorf("unmarshal %s: expected error", data)
			continue
		}
		if err.Error() != "'channels' items must be an arrays of size two" {
			t.Errorf("unmarshal %s: error = %q", data, err)
		}
	}
}

func TestChannelRefRoundtrip(t *testing.T) {
	orig := ChannelRef{Device: "wb-adc", Control: "A1"}
	raw, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `["wb-adc","A1"]` {
		t.Errorf("marshal = %s", raw)
	}
	var got ChannelRef
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got != orig {
		t.Errorf("got %+v, want %+v", got, orig)
	}
}

func TestHistoryRowMarshalVerbose(t *testing.T) {
	row := HistoryRow{UID: 7, Device: "wb-adc", Control: "A1", Value: "3.14", Timestamp: 1.5}
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"uid", "device", "control", "value", "timestamp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
	if _, ok := m["i"]; ok {
		t.Errorf("compact key in verbose row: %s", raw)
	}
}

func TestHistoryRowMarshalCompact(t *testing.T) {
	row := HistoryRow{Ver: 1, UID: 7, Index: 2, Value: "3.14", Timestamp: 1.5}
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"i":7,"c":2,"v":"3.14","t":1.5}` {
		t.Errorf("marshal = %s", raw)
	}
}

func TestHistoryResponseEmpty(t *testing.T) {
	resp := HistoryResponse{Values: []HistoryRow{}}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"values":[]}` {
		t.Errorf("marshal = %s, want {\"values\":[]}", raw)
	}
}

func TestHistoryResponseHasMore(t *testing.T) {
	resp := HistoryResponse{Values: []HistoryRow{}, HasMore: true}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"has_more":true`) {
		t.Errorf("marshal = %s, want has_more", raw)
	}
}
