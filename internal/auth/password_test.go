package auth

import "testing"

func TestHashVerify(t *testing.T) {
	h, err := HashPassword("Correct-horse-9")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if !VerifyPassword(h, "Correct-horse-9") {
		t.Fatalf("expected verify to pass")
	}
	if VerifyPassword(h, "correct-horse-9") {
		t.Fatalf("expected verify to fail")
	}
	if NeedsRehash(h) {
		t.Fatalf("fresh hash should not need a rehash")
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, KeyLen: 32}
	h, err := hashWith(weak, "Correct-horse-9")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if !VerifyPassword(h, "Correct-horse-9") {
		t.Fatalf("hashes with other params must still verify")
	}
	if !NeedsRehash(h) {
		t.Fatalf("expected rehash for weaker params")
	}
	for _, bad := range []string{"", "plain", "$argon2id$v=19$m=x$salt$key", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$a2V5"} {
		if VerifyPassword(bad, "x") {
			t.Fatalf("malformed hash %q verified", bad)
		}
		if !NeedsRehash(bad) {
			t.Fatalf("malformed hash %q should need rehash", bad)
		}
	}
}
