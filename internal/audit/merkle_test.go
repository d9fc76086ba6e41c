package audit

import "testing"

func TestBuildProveVerifyHappyPath(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	pub, priv, err := Build(data, 12)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(priv.Challenges) != 12 {
		t.Fatalf("got %d challenges, want 12", len(priv.Challenges))
	}

	for _, ch := range priv.Challenges {
		proof, err := Prove(pub, ch.Index)
		if err != nil {
			t.Fatalf("Prove(%d): %v", ch.Index, err)
		}
		if !Verify(priv, ch, proof) {
			t.Fatalf("Verify failed for challenge index %d", ch.Index)
		}
	}
}

func TestVerifyRejectsWrongChallenge(t *testing.T) {
	data := []byte("shard bytes")
	pub, priv, err := Build(data, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	proof, err := Prove(pub, 0)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	wrongChallenge := priv.Challenges[1]
	if Verify(priv, wrongChallenge, proof) {
		t.Fatal("expected verification to fail when challenge and proof indices mismatch")
	}
}

func TestVerifyRejectsTamperedProof(t *testing.T) {
	data := []byte("shard bytes")
	pub, priv, err := Build(data, 8)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ch := priv.Challenges[3]
	proof, err := Prove(pub, ch.Index)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	proof.Siblings[0][0] ^= 0xFF

	if Verify(priv, ch, proof) {
		t.Fatal("expected verification to fail for a tampered sibling path")
	}
}

func TestVerifyRejectsWrongData(t *testing.T) {
	_, priv, err := Build([]byte("real shard"), 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	fakePub, _, err := Build([]byte("forged shard"), 4)
	if err != nil {
		t.Fatalf("Build (forged): %v", err)
	}
	ch := priv.Challenges[0]
	proof, err := Prove(fakePub, ch.Index)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if Verify(priv, ch, proof) {
		t.Fatal("expected verification to fail when the proof was built over different data")
	}
}

func TestProveRejectsOutOfRangeIndex(t *testing.T) {
	pub, _, err := Build([]byte("data"), 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := Prove(pub, 99); err == nil {
		t.Fatal("expected an error for an out-of-range challenge index")
	}
}

func TestBuildRejectsNonPositiveCount(t *testing.T) {
	if _, _, err := Build([]byte("data"), 0); err == nil {
		t.Fatal("expected an error for a zero audit count")
	}
}

func TestDepthMatchesLeafCount(t *testing.T) {
	cases := []struct {
		n     int
		depth int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{12, 4},
		{16, 4},
	}
	for _, c := range cases {
		pub, _, err := Build([]byte("data"), c.n)
		if err != nil {
			t.Fatalf("Build(%d): %v", c.n, err)
		}
		if pub.Depth != c.depth {
			t.Errorf("Build(%d).Depth = %d, want %d", c.n, pub.Depth, c.depth)
		}
	}
}
