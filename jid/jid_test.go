package jid

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in       string
		local    string
		domain   string
		resource string
	}{
		{"", "", "", ""},
		{"example.com", "", "example.com", ""},
		{"user@example.com", "user", "example.com", ""},
		{"user@example.com/phone", "user", "example.com", "phone"},
		{"example.com/phone", "", "example.com", "phone"},
		{"User@Example.COM/Phone", "user", "example.com", "Phone"},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got.LocalPart() != c.local || got.DomainPart() != c.domain || got.ResourcePart() != c.resource {
			t.Fatalf("Parse(%q) = (%q,%q,%q), want (%q,%q,%q)",
				c.in, got.LocalPart(), got.DomainPart(), got.ResourcePart(),
				c.local, c.domain, c.resource)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"@/resource", "user@/resource", "@"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q): expected error, got nil", in)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"user@example.com/phone", "example.com", "user@example.com"} {
		j, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := j.String(); got != s {
			t.Fatalf("String() = %q, want %q", got, s)
		}
		// parse(print(parse(s))) == parse(s), per spec §8.
		j2, err := Parse(j.String())
		if err != nil {
			t.Fatalf("re-Parse: %v", err)
		}
		if !j.Equal(j2) {
			t.Fatalf("round trip mismatch: %v != %v", j, j2)
		}
	}
}

func TestEqualCaseFold(t *testing.T) {
	a := MustParse("User@Example.com/Res")
	b := MustParse("user@example.com/Res")
	if !a.Equal(b) {
		t.Fatalf("expected case-folded local/domain to compare equal")
	}
	c := MustParse("user@example.com/res")
	if a.Equal(c) {
		t.Fatalf("resource compare must be case-sensitive")
	}
}

func TestEmpty(t *testing.T) {
	if !Empty.IsEmpty() {
		t.Fatalf("Empty.IsEmpty() = false")
	}
	j, err := Parse("")
	if err != nil || !j.IsEmpty() {
		t.Fatalf("Parse(\"\") should produce the empty JID")
	}
}

func TestBareAndWithResource(t *testing.T) {
	j := MustParse("user@example.com/phone")
	bare := j.Bare()
	if bare.ResourcePart() != "" {
		t.Fatalf("Bare() kept resource: %q", bare.ResourcePart())
	}
	withRes := bare.WithResource("laptop")
	if withRes.ResourcePart() != "laptop" {
		t.Fatalf("WithResource() = %q", withRes.ResourcePart())
	}
}
