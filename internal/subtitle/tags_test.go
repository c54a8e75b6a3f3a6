package subtitle

import "testing"

func TestExtractTags(t *testing.T) {
	plain, records := ExtractTags(`{\i1}Hello,{\i0} world\Nsecond`)
	if plain != "Hello, world\nsecond" {
		t.Fatalf("unexpected plain text: %q", plain)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Text != `{\i1}` || records[0].Offset != 0 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].Text != `{\i0}` || records[1].Offset != 6 {
		t.Errorf("unexpected second record: %+v", records[1])
	}
}

func TestRestoreTagsIdentity(t *testing.T) {
	cases := []string{
		`{\i1}Hello,{\i0} world\Nsecond`,
		`plain text without tags`,
		`{\pos(320,40)}STATION`,
		`wo{\i1}rd`,
		`line one\Nline two`,
		``,
	}
	for _, original := range cases {
		plain, records := ExtractTags(original)
		restored := RestoreTags(plain, records, len([]rune(plain)))
		if restored != original {
			t.Errorf("identity round trip failed:\n  original: %q\n  restored: %q", original, restored)
		}
	}
}

func TestRestoreTagsProportional(t *testing.T) {
	// Tag at midpoint of a 10-rune line should land near the midpoint of a
	// 20-rune translation, snapped to a word boundary.
	records := []TagRecord{{Text: `{\i1}`, Offset: 5}}
	restored := RestoreTags("zehn zeichen mehr ab", records, 10)
	if restored != `zehn zeichen {\i1}mehr ab` && restored != `zehn zeichen{\i1} mehr ab` {
		t.Errorf("unexpected proportional placement: %q", restored)
	}
}

func TestRestoreTagsPinsOffsetZero(t *testing.T) {
	records := []TagRecord{{Text: `{\an8}`, Offset: 0}}
	restored := RestoreTags("translated", records, 5)
	if restored != `{\an8}translated` {
		t.Errorf("offset-0 record not pinned: %q", restored)
	}
}

func TestRestoreTagsCountPreserved(t *testing.T) {
	original := `{\i1}a{\b1}b{\b0}c{\i0}`
	plain, records := ExtractTags(original)
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	restored := RestoreTags("wxyz", records, len([]rune(plain)))
	count := 0
	for i := 0; i < len(restored); i++ {
		if restored[i] == '{' {
			count++
		}
	}
	if count != len(records) {
		t.Errorf("restored %d tags, want %d: %q", count, len(records), restored)
	}
}

func TestHardBreakSurvivesTranslation(t *testing.T) {
	plain, records := ExtractTags(`first\Nsecond`)
	if plain != "first\nsecond" {
		t.Fatalf("unexpected plain: %q", plain)
	}
	restored := RestoreTags("erste\nzweite", records, len([]rune(plain)))
	if restored != `erste\Nzweite` {
		t.Errorf("hard break not restored: %q", restored)
	}
}
