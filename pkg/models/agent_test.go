package models

import "testing"

func TestBand_Valid(t *testing.T) {
	tests := []struct {
		name string
		band Band
		want bool
	}{
		{"light is valid", BandLight, true},
		{"standard is valid", BandStandard, true},
		{"heavy is valid", BandHeavy, true},
		{"empty string is invalid", Band(""), false},
		{"unknown band is invalid", Band("extreme"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.band.Valid(); got != tt.want {
				t.Errorf("Band(%q).Valid() = %v, want %v", tt.band, got, tt.want)
			}
		})
	}
}

func TestBand_Center(t *testing.T) {
	if light, heavy := BandLight.Center(), BandHeavy.Center(); light >= heavy {
		t.Errorf("light center %v should be below heavy center %v", light, heavy)
	}
	if got := Band("").Center(); got != BandStandard.Center() {
		t.Errorf("unknown band center = %v, want standard center %v", got, BandStandard.Center())
	}
	for _, b := range []Band{BandLight, BandStandard, BandHeavy} {
		c := b.Center()
		if c < 0 || c > 1 {
			t.Errorf("Band(%q).Center() = %v, want within [0,1]", b, c)
		}
	}
}

func TestAgentRecord_HasCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		declared []string
		required []string
		want     bool
	}{
		{"empty requirement matches anyone", []string{"backend"}, nil, true},
		{"exact match", []string{"frontend"}, []string{"frontend"}, true},
		{"superset matches", []string{"frontend", "backend"}, []string{"frontend"}, true},
		{"missing tag fails", []string{"backend"}, []string{"frontend"}, false},
		{"partial overlap fails", []string{"frontend"}, []string{"frontend", "deploy"}, false},
		{"no declared tags fails a requirement", nil, []string{"frontend"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AgentRecord{ID: "a1", Capabilities: tt.declared}
			if got := a.HasCapabilities(tt.required); got != tt.want {
				t.Errorf("HasCapabilities(%v) with declared %v = %v, want %v",
					tt.required, tt.declared, got, tt.want)
			}
		})
	}
}
