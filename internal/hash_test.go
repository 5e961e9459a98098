package internal

import "testing"

func TestSHA256sum(t *testing.T) {
	for _, tt := range []struct {
		name  string
		left  string
		right string
		same  bool
	}{
		{name: "identical nonces", left: "nonce_123456", right: "nonce_123456", same: true},
		{name: "different nonces", left: "nonce_123456", right: "nonce_123457", same: false},
		{name: "case sensitive", left: "a402_ABC", right: "a402_abc", same: false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := SHA256sum(tt.left) == SHA256sum(tt.right); got != tt.same {
				t.Errorf("SHA256sum(%q) == SHA256sum(%q): got %v, want %v", tt.left, tt.right, got, tt.same)
			}
		})
	}

	const emptyDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := SHA256sum(""); got != emptyDigest {
		t.Errorf("SHA256sum(\"\"): got %s, want %s", got, emptyDigest)
	}
}
