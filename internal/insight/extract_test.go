package insight

import (
	"errors"
	"testing"
)

func TestExtractJSONObjectFromSurroundingProse(t *testing.T) {
	text := "Sure! Here is the analysis you asked for:\n```json\n{\"summary\":\"a walk\",\"mood\":\"calm\"}\n```\nLet me know if you need anything else."
	raw, err := ExtractJSONObject(text)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if string(raw) != `{"summary":"a walk","mood":"calm"}` {
		t.Fatalf("expected the bare object, got %q", string(raw))
	}
}

func TestExtractJSONObjectHandlesBracesInsideStrings(t *testing.T) {
	text := `prefix {"summary":"used {braces} and a \"quote\"","mood":"ok"} suffix`
	raw, err := ExtractJSONObject(text)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if string(raw) != `{"summary":"used {braces} and a \"quote\"","mood":"ok"}` {
		t.Fatalf("expected string-aware scan, got %q", string(raw))
	}
}

func TestExtractJSONObjectTakesFirstTopLevelObject(t *testing.T) {
	text := `{"summary":"first","mood":"a"} {"summary":"second","mood":"b"}`
	raw, err := ExtractJSONObject(text)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if string(raw) != `{"summary":"first","mood":"a"}` {
		t.Fatalf("expected the first object, got %q", string(raw))
	}
}

func TestExtractJSONObjectNestedObjects(t *testing.T) {
	text := `note: {"summary":"s","timeBlocks":[{"label":"walk"}],"mood":"ok"}`
	raw, err := ExtractJSONObject(text)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if string(raw) != `{"summary":"s","timeBlocks":[{"label":"walk"}],"mood":"ok"}` {
		t.Fatalf("expected balanced nesting, got %q", string(raw))
	}
}

func TestExtractJSONObjectNoObject(t *testing.T) {
	for _, text := range []string{"", "no json here", "} {", "{unclosed"} {
		if _, err := ExtractJSONObject(text); !errors.Is(err, ErrNoJSONObject) {
			t.Fatalf("expected ErrNoJSONObject for %q, got %v", text, err)
		}
	}
}
