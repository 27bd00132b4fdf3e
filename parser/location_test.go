package parser

import (
	"testing"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
)

func testLocator(t *testing.T) *Locator {
	t.Helper()
	table, err := config.LoadCities("")
	if err != nil {
		t.Fatalf("load cities: %v", err)
	}
	return NewLocator(table)
}

func TestFold(t *testing.T) {
	if got := Fold("Petržalka, Ľadoveň ŠÁŠOVÁ"); got != "petrzalka, ladoven sasova" {
		t.Fatalf("Fold = %q", got)
	}
}

func TestLocate(t *testing.T) {
	l := testLocator(t)

	tests := []struct {
		name    string
		address string
		url     string
		title   string
		want    Location
	}{
		{
			name:    "city-district then street",
			address: "Bratislava-Petržalka, Romanova 12",
			want:    Location{City: "Bratislava", District: models.Some("Petržalka"), Street: models.Some("Romanova 12")},
		},
		{
			name:    "street first, lowercase without diacritics",
			address: "Romanova 12, petrzalka, bratislava",
			want:    Location{City: "Bratislava", District: models.Some("Petržalka"), Street: models.Some("Romanova 12")},
		},
		{
			name:    "two-word city",
			address: "Fončorda, Banská Bystrica",
			want:    Location{City: "Banská Bystrica", District: models.Some("Fončorda")},
		},
		{
			name:    "alias",
			address: "Pressburg",
			want:    Location{City: "Bratislava"},
		},
		{
			name: "url path when address is empty",
			url:  "https://www.reality.sk/byty/kosice-juh/3-izbovy-byt-12345/",
			want: Location{City: "Košice", District: models.Some("Juh")},
		},
		{
			name:  "title last",
			title: "Predaj 2-izbového bytu, Žilina - Vlčince",
			want:  Location{City: "Žilina", District: models.Some("Vlčince")},
		},
		{
			name:    "address beats title",
			address: "Nitra",
			title:   "Byt ako v Bratislave, Trnava blízko",
			want:    Location{City: "Nitra"},
		},
		{
			name:    "district alone pins the city",
			address: "Karlova Ves",
			want:    Location{City: "Bratislava", District: models.Some("Karlova Ves")},
		},
		{
			name:    "unknown falls back to placeholder",
			address: "Horná Dolná 5",
			title:   "Chata pri lese",
			want:    Location{City: UnknownCity},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Locate(tt.address, tt.url, tt.title)
			if got != tt.want {
				t.Fatalf("Locate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
