package render

import (
	"strings"
	"testing"
)

func TestRenderQRIsDeterministic(t *testing.T) {
	q := NewQR()
	a, err := q.RenderQR("AAAAAAAA1abc")
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	b, err := q.RenderQR("AAAAAAAA1abc")
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("RenderQR is not deterministic for the same CID")
	}
}

func TestRenderQRDiffersByCID(t *testing.T) {
	q := NewQR()
	a, err := q.RenderQR("AAAAAAAA1abc")
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	b, err := q.RenderQR("AAAAAAAA1xyz")
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	if string(a) == string(b) {
		t.Fatalf("expected different CIDs to render different pages")
	}
}

func TestRenderQREmbedsCIDText(t *testing.T) {
	q := NewQR()
	out, err := q.RenderQR("AAAAAAAA1<script>")
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	html := string(out)
	if !strings.Contains(html, "<svg") || !strings.Contains(html, "AAAAAAAA1&lt;script&gt;") {
		t.Fatalf("output = %q, want an svg element and an escaped CID", html)
	}
}
