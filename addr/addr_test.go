package addr

import "testing"

func TestAddressParts(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		local   string
		domain  string
		ascii   string
		unicode string
	}{
		{"plain", "root@example.com", "root", "example.com", "example.com", "example.com"},
		{"no domain", "postmaster", "postmaster", "", "", ""},
		{"idn", "root@bücher.example", "root", "bücher.example", "xn--bcher-kva.example", "bücher.example"},
		{"punycode", "root@xn--bcher-kva.example", "root", "xn--bcher-kva.example", "xn--bcher-kva.example", "bücher.example"},
		{"local with at", `"a@b"@example.com`, `"a@b"`, "example.com", "example.com", "example.com"},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			a := Address{Addr: tt.addr}
			if got := a.Local(); got != tt.local {
				t.Errorf("Local() = %q, want %q", got, tt.local)
			}
			if got := a.Domain(); got != tt.domain {
				t.Errorf("Domain() = %q, want %q", got, tt.domain)
			}
			if got := a.AsciiDomain(); got != tt.ascii {
				t.Errorf("AsciiDomain() = %q, want %q", got, tt.ascii)
			}
			if got := a.UnicodeDomain(); got != tt.unicode {
				t.Errorf("UnicodeDomain() = %q, want %q", got, tt.unicode)
			}
		})
	}
}
