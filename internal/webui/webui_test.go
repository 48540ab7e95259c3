package webui

import (
	"strings"
	"testing"
)

func TestIndexRendersModelSummary(t *testing.T) {
	page, err := Index(Page{
		ModelID:    "vit-cifar",
		Encoders:   6,
		Latent:     128,
		ImageSize:  32,
		NumClasses: 10,
		Parameters: 1234,
		TopK:       3,
		Labels:     []string{"cat", "dog"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := string(page)
	for _, want := range []string{
		"<title>vit-cifar | bitvit</title>",
		"6 encoders, latent 128, 32px input, 1234 parameters",
		"classes: cat, dog",
		`max="10" value="3"`,
		"/v1/classify",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q", want)
		}
	}
}

func TestIndexEscapesModelID(t *testing.T) {
	page, err := Index(Page{ModelID: "<script>x</script>", TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(page), "<script>x</script>") {
		t.Fatal("model id was not escaped")
	}
	if strings.Contains(string(page), `id="labels"`) {
		t.Fatal("labels paragraph rendered without labels")
	}
}
