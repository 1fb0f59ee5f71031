package seqnum

import "testing"

func TestAckSetContains(t *testing.T) {
	set := FromBitfield(3, 0b000010001)
	cases := []struct {
		seq  Number
		want bool
	}{
		{4, false},
		{3, true},
		{2, true},
		{1, false},
		{0, false},
		{65535, false},
		{65534, true},
		{65533, false},
		{65532, false},
	}
	for _, c := range cases {
		if got := set.Contains(c.seq); got != c.want {
			t.Errorf("Contains(%d) = %v, want %v", c.seq, got, c.want)
		}
	}
}

func TestAckSetInsertMonotonicity(t *testing.T) {
	var set AckSet
	if set.Latest() != 0 || set.Bitfield() != 0 {
		t.Fatalf("zero value = (%d, %b), want (0, 0)", set.Latest(), set.Bitfield())
	}

	set.Insert(5)
	if set.Latest() != 5 || set.Bitfield() != 0 {
		t.Fatalf("after Insert(5): (%d, %b), want (5, 0)", set.Latest(), set.Bitfield())
	}

	set.Insert(7)
	if set.Latest() != 7 || set.Bitfield() != 0b10 {
		t.Fatalf("after Insert(7): (%d, %b), want (7, 10)", set.Latest(), set.Bitfield())
	}

	set.Insert(3)
	if set.Latest() != 7 || set.Bitfield() != 0b1010 {
		t.Fatalf("after Insert(3): (%d, %b), want (7, 1010)", set.Latest(), set.Bitfield())
	}
}

func TestAckSetFirstInsertClassifiedIsLatest(t *testing.T) {
	var set AckSet
	if r := set.InsertClassified(0); r != Latest {
		t.Fatalf("InsertClassified(0) on a fresh AckSet = %v, want Latest", r)
	}
	if r := set.InsertClassified(0); r != Duplicate {
		t.Fatalf("InsertClassified(0) repeat = %v, want Duplicate", r)
	}

	var set2 AckSet
	if r := set2.InsertClassified(40000); r != Latest {
		t.Fatalf("InsertClassified(40000) on a fresh AckSet = %v, want Latest", r)
	}
}

func TestAckSetIterOldestToNewest(t *testing.T) {
	set := FromBitfield(3, 0b000010001)
	got := set.Iter()
	want := []Number{65534, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Iter() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Iter()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestAckSetInsertClassified(t *testing.T) {
	var set AckSet
	set.Insert(0)

	if r := set.InsertClassified(1); r != Latest {
		t.Fatalf("InsertClassified(1) = %v, want Latest", r)
	}
	if r := set.InsertClassified(1); r != Duplicate {
		t.Fatalf("InsertClassified(1) repeat = %v, want Duplicate", r)
	}
	if r := set.InsertClassified(40); r != Latest {
		t.Fatalf("InsertClassified(40) = %v, want Latest", r)
	}
	if r := set.InsertClassified(10); r != Fresh {
		t.Fatalf("InsertClassified(10) = %v, want Fresh", r)
	}
	if r := set.InsertClassified(10); r != Duplicate {
		t.Fatalf("InsertClassified(10) repeat = %v, want Duplicate", r)
	}
	if r := set.InsertClassified(1); r != TooOld {
		t.Fatalf("InsertClassified(1) far behind = %v, want TooOld", r)
	}
}
