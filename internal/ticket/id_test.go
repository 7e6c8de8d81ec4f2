package ticket_test

import (
	"testing"

	"ticketflow/internal/ticket"
)

func TestFormatParseID(t *testing.T) {
	if got := ticket.FormatID(7); got != "TKT-007" {
		t.Fatalf("got %q", got)
	}
	if got := ticket.FormatID(1234); got != "TKT-1234" {
		t.Fatalf("got %q", got)
	}
	n, err := ticket.ParseID("TKT-042")
	if err != nil || n != 42 {
		t.Fatalf("got %d, %v", n, err)
	}
	if _, err := ticket.ParseID("README"); err == nil {
		t.Fatal("expected error")
	}
}

func TestIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		id   string
		ok   bool
	}{
		{"/tmp/tickets/TKT-001.md", "TKT-001", true},
		{"TKT-123.md", "TKT-123", true},
		{"TKT-1.md", "", false},
		{"TKT-001.txt", "", false},
		{"README.md", "", false},
	}
	for _, c := range cases {
		id, ok := ticket.IDFromPath(c.path)
		if ok != c.ok || id != c.id {
			t.Errorf("%s: got %q %v", c.path, id, ok)
		}
	}
}
