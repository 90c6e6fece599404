package match

import "testing"

func TestToUTF8Latin1(t *testing.T) {
	conv := NewConverter()
	got := conv.ToUTF8("M\xdcLLER", "ISO_IR 100")
	if got != "MÜLLER" {
		t.Errorf("ToUTF8 = %q, want %q", got, "MÜLLER")
	}
}

func TestToUTF8Passthrough(t *testing.T) {
	conv := NewConverter()
	for _, cs := range []string{"", "ISO_IR 6", "ISO_IR 192"} {
		if got := conv.ToUTF8("PLAIN", cs); got != "PLAIN" {
			t.Errorf("ToUTF8(%q) = %q, want unchanged", cs, got)
		}
	}
}

func TestToUTF8UnknownCharset(t *testing.T) {
	conv := NewConverter()
	if got := conv.ToUTF8("RAW\xff", "ISO_IR 999"); got != "RAW\xff" {
		t.Errorf("unknown charset should return raw value, got %q", got)
	}
}

func TestToUTF8Cached(t *testing.T) {
	conv := NewConverter()
	first := conv.ToUTF8("M\xdcLLER", "ISO_IR 100")
	second := conv.ToUTF8("M\xdcLLER", "ISO_IR 100")
	if first != second {
		t.Errorf("cached conversion differs: %q vs %q", first, second)
	}
	if len(conv.cache) != 1 {
		t.Errorf("expected one cache entry, got %d", len(conv.cache))
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	conv := NewConverter()
	encoded := conv.Encode("MÜLLER", "ISO_IR 100")
	if encoded != "M\xdcLLER" {
		t.Errorf("Encode = %q, want Latin-1 bytes", encoded)
	}
	if got := conv.ToUTF8(encoded, "ISO_IR 100"); got != "MÜLLER" {
		t.Errorf("round trip = %q, want %q", got, "MÜLLER")
	}
}
