package auth

import "testing"

func TestHashAndVerifyOperator(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPasswordHash("s3cret", hash) {
		t.Fatalf("password should match its hash")
	}
	if CheckPasswordHash("wrong", hash) {
		t.Fatalf("wrong password must not match")
	}

	op := Operator{Username: "astro", PasswordHash: hash}
	if !op.Verify("astro", "s3cret") {
		t.Fatalf("operator should verify")
	}
	if op.Verify("other", "s3cret") || op.Verify("astro", "nope") {
		t.Fatalf("bad credentials must be rejected")
	}
	if (Operator{Username: "astro"}).Verify("astro", "") {
		t.Fatalf("operator without hash is disabled")
	}
}
