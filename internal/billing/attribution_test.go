package billing

import (
	"encoding/json"
	"testing"
)

func TestParseAttributionID(t *testing.T) {
	tests := []struct {
		in      string
		want    AttributionID
		wantErr bool
	}{
		{in: "user:123", want: UserAttribution("123")},
		{in: "team:456", want: TeamAttribution("456")},
		{in: "team:a:b", want: AttributionID{Kind: AttributionKindTeam, ID: "a:b"}},
		{in: "user:", wantErr: true},
		{in: "project:789", wantErr: true},
		{in: "123", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseAttributionID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAttributionID(%q): expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAttributionID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAttributionID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAttributionIDRoundTrip(t *testing.T) {
	attr := TeamAttribution("org-1")
	if got := attr.String(); got != "team:org-1" {
		t.Fatalf("String() = %q, want %q", got, "team:org-1")
	}
	parsed, err := ParseAttributionID(attr.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != attr {
		t.Fatalf("round trip = %v, want %v", parsed, attr)
	}
}

func TestAttributionIDJSON(t *testing.T) {
	data, err := json.Marshal(UserAttribution("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"user:u1"` {
		t.Fatalf("marshal = %s, want %q", data, `"user:u1"`)
	}

	var attr AttributionID
	if err := json.Unmarshal([]byte(`"team:t1"`), &attr); err != nil {
		t.Fatal(err)
	}
	if attr != TeamAttribution("t1") {
		t.Fatalf("unmarshal = %v, want %v", attr, TeamAttribution("t1"))
	}

	if err := json.Unmarshal([]byte(`"nope"`), &attr); err == nil {
		t.Fatal("expected error for invalid attribution id")
	}
}
