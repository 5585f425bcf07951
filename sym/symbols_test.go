package sym

import "testing"

func TestGlyphsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for glyph, label := range Labels {
		if glyph == "" || label == "" {
			t.Fatalf("empty entry %q -> %q", glyph, label)
		}
		if seen[glyph] {
			t.Fatalf("duplicate glyph %s", glyph)
		}
		seen[glyph] = true
	}
	if len(Labels) != 7 {
		t.Fatalf("expected 7 glyphs, got %d", len(Labels))
	}
}
