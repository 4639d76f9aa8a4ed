package rank

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseRankedIDs_PlainJSON(t *testing.T) {
	got := ParseRankedIDs(`{"ranked_ids": ["id1", "id2", "id3"]}`, 3)
	want := []string{"id1", "id2", "id3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseRankedIDs_Whitespace(t *testing.T) {
	resp := `
	{
		"ranked_ids": [
			"id1",
			"id2",
			"id3"
		]
	}
	`
	got := ParseRankedIDs(resp, 3)
	if !reflect.DeepEqual(got, []string{"id1", "id2", "id3"}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseRankedIDs_CodeFence(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"with language tag", "```json\n{\"ranked_ids\": [\"id1\", \"id2\", \"id3\"]}\n```"},
		{"no language tag", "```\n{\"ranked_ids\": [\"id1\", \"id2\", \"id3\"]}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRankedIDs(tt.resp, 3)
			if !reflect.DeepEqual(got, []string{"id1", "id2", "id3"}) {
				t.Fatalf("got %v", got)
			}
		})
	}
}

func TestParseRankedIDs_SurroundingProse(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"leading prose", "Here are the ranked IDs:\n{\"ranked_ids\": [\"id1\", \"id2\", \"id3\"]}"},
		{"trailing prose", `{"ranked_ids": ["id1", "id2", "id3"]} - done!`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRankedIDs(tt.resp, 3)
			if !reflect.DeepEqual(got, []string{"id1", "id2", "id3"}) {
				t.Fatalf("got %v", got)
			}
		})
	}
}

func TestParseRankedIDs_TruncatedMissingBrace(t *testing.T) {
	got := ParseRankedIDs(`{"ranked_ids": ["id1", "id2", "id3"]`, 3)
	if !reflect.DeepEqual(got, []string{"id1", "id2", "id3"}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseRankedIDs_TruncatedMidArray(t *testing.T) {
	// Cut off inside the third token: only complete tokens survive.
	got := ParseRankedIDs(`{"ranked_ids": ["id1", "id2", "id`, 2)
	if !reflect.DeepEqual(got, []string{"id1", "id2"}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseRankedIDs_RegexFallback(t *testing.T) {
	got := ParseRankedIDs(`The ranked_ids are: "ranked_ids": ["id1", "id2"] and done`, 2)
	if !reflect.DeepEqual(got, []string{"id1", "id2"}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseRankedIDs_BareArray(t *testing.T) {
	got := ParseRankedIDs(`["id1", "id2"]`, 2)
	if !reflect.DeepEqual(got, []string{"id1", "id2"}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseRankedIDs_TotalFailure(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t"},
		{"no structure", "This is not JSON at all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRankedIDs(tt.resp, 0); got != nil {
				t.Fatalf("expected nil, got %v", got)
			}
		})
	}
}

func TestSafePreview(t *testing.T) {
	t.Run("normal text", func(t *testing.T) {
		if got := SafePreview("plain text", 100); got != "plain text" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("caps length", func(t *testing.T) {
		got := SafePreview(strings.Repeat("x", 500), 100)
		if len(got) != 103 || !strings.HasSuffix(got, "...") {
			t.Fatalf("got len=%d %q", len(got), got[:20])
		}
	})

	t.Run("redacts api keys", func(t *testing.T) {
		got := SafePreview("key: sk-1234567890abcdefghijklmnop here", 200)
		if strings.Contains(got, "sk-1234567890") {
			t.Fatalf("key leaked: %q", got)
		}
		if !strings.Contains(got, "[REDACTED_KEY]") {
			t.Fatalf("no redaction marker: %q", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := SafePreview("", 100); got != "[empty]" {
			t.Fatalf("got %q", got)
		}
	})
}
