package ivm

import "testing"

func TestTakeNStopsEarly(t *testing.T) {
	pulled := 0
	s := Stream(func(yield func(Node) bool) {
		for _, id := range []string{"a", "b", "c", "d"} {
			pulled++
			if !yield(Node{Row: Row{"id": id}}) {
				return
			}
		}
	})

	nodes := takeN(s, 2)
	if len(nodes) != 2 || nodes[0].Row["id"] != "a" || nodes[1].Row["id"] != "b" {
		t.Fatalf("Expected [a b], got %v", nodes)
	}
	if pulled != 2 {
		t.Errorf("Expected 2 nodes pulled, got %d", pulled)
	}
	if got := takeN(s, 0); got != nil {
		t.Errorf("Expected nil for n=0, got %v", got)
	}
	if got := takeN(s, 10); len(got) != 4 {
		t.Errorf("Expected all 4 nodes, got %d", len(got))
	}
}
