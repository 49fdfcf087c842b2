package validate

import "testing"

func TestIsHex(t *testing.T) {
	cases := []struct {
		n    int
		s    string
		want bool
	}{
		{4, "0a1f", true},
		{4, "0A1f", false},
		{4, "0a1", false},
		{4, "0a1g", false},
		{0, "", true},
	}
	for _, c := range cases {
		if got := IsHex(c.n, c.s); got != c.want {
			t.Errorf("IsHex(%d, %q) = %v, want %v", c.n, c.s, got, c.want)
		}
	}
}

func TestIsBase32(t *testing.T) {
	cases := []struct {
		n    int
		s    string
		want bool
	}{
		{8, "abcd2345", true},
		{8, "abcd0123", false}, // 0,1 not in alphabet
		{8, "ABCD2345", false},
		{7, "abcd234", false},
	}
	for _, c := range cases {
		if got := IsBase32(c.n, c.s); got != c.want {
			t.Errorf("IsBase32(%d, %q) = %v, want %v", c.n, c.s, got, c.want)
		}
	}
}

func TestIsHost(t *testing.T) {
	onion := "abcdefghijklmnop.onion"
	i2p := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz.b32.i2p"

	cases := []struct {
		s    string
		want bool
	}{
		{onion, true},
		{i2p, true},
		{"toolong1234567890.onion", false},
		{"abcdefghijklmnop.exit", false},
		{"noDotAtAll", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsHost(c.s); got != c.want {
			t.Errorf("IsHost(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestIsMessageDirName(t *testing.T) {
	hex40 := "0123456789abcdef0123456789abcdef01234567"

	cases := []struct {
		s    string
		want bool
	}{
		{hex40, true},
		{hex40 + ".del", true},
		{hex40 + ".new", false},
		{hex40[:39], false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsMessageDirName(c.s); got != c.want {
			t.Errorf("IsMessageDirName(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}
