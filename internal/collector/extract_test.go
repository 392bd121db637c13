package collector

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractCorpus(t *testing.T) {
	cases := []struct {
		line string
		want Fields
	}{
		{line: "Plot ID: -5;10", want: Fields{PlotID: "-5;10"}},
		{line: "Plot #123", want: Fields{PlotID: "123"}},
		{line: "Plot #7 at 3;4", want: Fields{PlotID: "3;4"}},
		{line: "Posizione: X: -80 Z: 160", want: Fields{Coords: &Coords{X: -80, Z: 160}}},
		{line: "Coords x=5, z=6", want: Fields{Coords: &Coords{X: 5, Z: 6}}},
		{line: "Centro: -80, 160", want: Fields{Coords: &Coords{X: -80, Z: 160}}},
		{line: "Proprietario » Mario Rossi", want: Fields{Owner: "Mario Rossi"}},
		{line: "OWNER: steve", want: Fields{Owner: "steve"}},
		{line: "Last seen - yesterday", want: Fields{LastAccess: "yesterday"}},
		{line: "Ultimo accesso: 01/02/2024 08:15", want: Fields{LastAccess: "01/02/2024 08:15"}},
		{line: "You are not standing in a plot", want: Fields{Rejection: "You are not standing in a plot"}},
		{line: "Benvenuto nel server", want: Fields{}},
	}
	for _, tc := range cases {
		got := Extract(CleanLine(tc.line))
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("extract %q (-want +got):\n%s", tc.line, diff)
		}
	}
}

func TestCleanLineStripsFormatting(t *testing.T) {
	got := CleanLine("  §a§lPlot\x1b[0m §7#5  ")
	if got != "Plot #5" {
		t.Fatalf("expected %q, got %q", "Plot #5", got)
	}
}

func TestNormalizeLastAccessPassThrough(t *testing.T) {
	if got := NormalizeLastAccess("  2 giorni fa "); got != "2 giorni fa" {
		t.Fatalf("expected raw passthrough, got %q", got)
	}
	if got := NormalizeLastAccess(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestRecordDedupKey(t *testing.T) {
	rec := Record{PlotID: "1;2", CoordX: 10, CoordZ: -3}
	if got := rec.DedupKey(); got != "1;2|10|-3" {
		t.Fatalf("expected 1;2|10|-3, got %s", got)
	}
}
