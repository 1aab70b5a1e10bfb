package ids

import "testing"

func TestMakeDocID_Deterministic(t *testing.T) {
	a := MakeDocID([]byte("hello world"))
	b := MakeDocID([]byte("hello world"))
	if a != b {
		t.Fatalf("expected deterministic docId, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64-char hex docId, got %d chars", len(a))
	}
}

func TestMakeDocID_DifferentContent(t *testing.T) {
	a := MakeDocID([]byte("hello"))
	b := MakeDocID([]byte("world"))
	if a == b {
		t.Fatalf("expected different docIds for different content")
	}
}

func TestPointID_RoundTrip(t *testing.T) {
	docID := MakeDocID([]byte("some document"))
	for _, idx := range []int{0, 1, 41, 9999} {
		pid, err := MakePointID(docID, idx)
		if err != nil {
			t.Fatalf("MakePointID(%d): %v", idx, err)
		}
		gotDoc, gotIdx, err := ParsePointID(pid)
		if err != nil {
			t.Fatalf("ParsePointID(%q): %v", pid, err)
		}
		if gotDoc != docID || gotIdx != idx {
			t.Fatalf("round trip mismatch: got (%q, %d), want (%q, %d)", gotDoc, gotIdx, docID, idx)
		}
	}
}

func TestMakePointID_RejectsInvalidDocID(t *testing.T) {
	if _, err := MakePointID("not-a-hash", 0); err == nil {
		t.Fatal("expected error for invalid docId")
	}
}

func TestMakePointID_RejectsNegativeIndex(t *testing.T) {
	docID := MakeDocID([]byte("x"))
	if _, err := MakePointID(docID, -1); err == nil {
		t.Fatal("expected error for negative chunk index")
	}
}

func TestParsePointID_RejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"no-hash-marker",
		"short#0",
		MakeDocID([]byte("x")) + "#",
		MakeDocID([]byte("x")) + "#abc",
		MakeDocID([]byte("x")) + "#-1",
	}
	for _, c := range cases {
		if _, _, err := ParsePointID(c); err == nil {
			t.Errorf("expected error parsing %q", c)
		}
	}
}
