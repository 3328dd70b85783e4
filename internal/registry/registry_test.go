package registry

import (
	"testing"
	"time"
)

func TestDescriptorsIncludesAllForms(t *testing.T) {
	ds := Descriptors("prod-1", 22, "alice", "1.2.3.4")
	want := map[string]bool{
		"prod-1":            false,
		"alice@prod-1":      false,
		"prod-1:22":         false,
		"prod-1@1.2.3.4":    false,
	}
	for _, d := range ds {
		if _, ok := want[d]; ok {
			want[d] = true
		}
	}
	for d, found := range want {
		if !found {
			t.Errorf("descriptor %q missing from %v", d, ds)
		}
	}
}

func TestUpsertAndExactLookup(t *testing.T) {
	r := New()
	r.Upsert(Entry{
		ConnectionID: "conn1",
		UserID:       "user1",
		Descriptors:  Descriptors("prod-1", 22, "alice", "1.2.3.4"),
		State:        StateOpen,
		LastActivity: time.Now(),
	})

	matches := r.Lookup("1.2.3.4")
	if len(matches) != 1 || matches[0].ConnectionID != "conn1" {
		t.Fatalf("Lookup(1.2.3.4) = %v, want single match conn1", matches)
	}
}

func TestLookupBareHostnameFuzzyMatch(t *testing.T) {
	r := New()
	r.Upsert(Entry{
		ConnectionID: "conn1",
		Descriptors:  []string{"prod-1@1.2.3.4"},
		State:        StateOpen,
	})

	matches := r.Lookup("prod-1")
	if len(matches) != 1 {
		t.Fatalf("Lookup(prod-1) = %v, want one fuzzy match", matches)
	}
}

func TestRemoveDropsAllDescriptors(t *testing.T) {
	r := New()
	descriptors := Descriptors("prod-1", 22, "alice", "1.2.3.4")
	r.Upsert(Entry{ConnectionID: "conn1", Descriptors: descriptors, State: StateOpen})
	r.Remove("conn1")

	for _, d := range descriptors {
		if matches := r.Lookup(d); len(matches) != 0 {
			t.Errorf("Lookup(%q) after Remove = %v, want none", d, matches)
		}
	}
	if _, ok := r.Get("conn1"); ok {
		t.Error("Get() found entry after Remove")
	}
}

func TestUpsertReplacesPriorDescriptors(t *testing.T) {
	r := New()
	r.Upsert(Entry{ConnectionID: "conn1", Descriptors: []string{"old-host"}, State: StateDialing})
	r.Upsert(Entry{ConnectionID: "conn1", Descriptors: []string{"new-host"}, State: StateOpen})

	if matches := r.Lookup("old-host"); len(matches) != 0 {
		t.Errorf("Lookup(old-host) = %v, want none after replace", matches)
	}
	if matches := r.Lookup("new-host"); len(matches) != 1 {
		t.Errorf("Lookup(new-host) = %v, want one match", matches)
	}
}

func TestAmbiguousLookupReturnsAllMatches(t *testing.T) {
	r := New()
	r.Upsert(Entry{ConnectionID: "conn1", Descriptors: []string{"web-1"}, State: StateOpen})
	r.Upsert(Entry{ConnectionID: "conn2", Descriptors: []string{"web-10"}, State: StateOpen})

	matches := r.Lookup("web-1")
	if len(matches) != 2 {
		t.Fatalf("Lookup(web-1) = %d matches, want 2 (ambiguity permitted)", len(matches))
	}
}
