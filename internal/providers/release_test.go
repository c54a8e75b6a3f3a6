package providers

import (
	"os"
	"testing"
)

func TestParseReleaseInfo(t *testing.T) {
	tests := []struct {
		name string
		want ReleaseInfo
	}{
		{
			name: "Show.S01E02.1080p.BluRay.DTS-GROUP.mkv",
			want: ReleaseInfo{Group: "GROUP", Source: "bluray", Resolution: "1080p", AudioCodec: "dts"},
		},
		{
			name: "Movie.2020.2160p.WEB-DL.DDP5.1-TeAm",
			want: ReleaseInfo{Group: "TeAm", Source: "web", Resolution: "2160p", AudioCodec: "eac3"},
		},
		{
			name: "Movie.2019.1080p.BluRay.DD+7.1-GRP",
			want: ReleaseInfo{Group: "GRP", Source: "bluray", Resolution: "1080p", AudioCodec: "eac3"},
		},
		{
			// "dtshd" is a different codec, not a channel suffix on "dts".
			name: "Show.S02E01.1080p.BluRay.DTSHD.AAC-X",
			want: ReleaseInfo{Group: "X", Source: "bluray", Resolution: "1080p", AudioCodec: "aac"},
		},
		{
			name: "Show S01E02 720p HDTV AAC",
			want: ReleaseInfo{Source: "hdtv", Resolution: "720p", AudioCodec: "aac"},
		},
		{
			name: "plain name",
			want: ReleaseInfo{},
		},
	}
	for _, tt := range tests {
		got := ParseReleaseInfo(tt.name)
		if got != tt.want {
			t.Errorf("ParseReleaseInfo(%q) = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestApplyReleaseMatches(t *testing.T) {
	query := VideoQuery{
		ReleaseGroup: "GROUP",
		Source:       "bluray",
		AudioCodec:   "dts",
		Resolution:   "1080p",
	}
	r := &SubtitleResult{Release: "Show.S01E02.1080p.BluRay.DTS-GROUP"}
	applyReleaseMatches(query, r)

	for _, m := range []Match{MatchReleaseGroup, MatchSource, MatchAudioCodec, MatchResolution, MatchHearingImpaired} {
		if !r.Matched(m) {
			t.Errorf("dimension %s not matched", m)
		}
	}
}

func TestApplyReleaseMatchesHearingImpairedMismatch(t *testing.T) {
	query := VideoQuery{HearingImpaired: true}
	r := &SubtitleResult{Release: "whatever"}
	applyReleaseMatches(query, r)
	if r.Matched(MatchHearingImpaired) {
		t.Error("HI mismatch should not match")
	}
}

func TestComputeMovieHashSmallFileNotHashable(t *testing.T) {
	path := t.TempDir() + "/small.mkv"
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, size, err := ComputeMovieHash(path)
	if err != nil {
		t.Fatalf("ComputeMovieHash() error = %v", err)
	}
	if hash != "" || size != 1024 {
		t.Fatalf("hash = %q size = %d", hash, size)
	}
}

func TestComputeMovieHashZeros(t *testing.T) {
	// All-zero chunks sum to zero, so the hash equals the file size.
	path := t.TempDir() + "/zeros.mkv"
	if err := os.WriteFile(path, make([]byte, 2*hashChunkSize), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, _, err := ComputeMovieHash(path)
	if err != nil {
		t.Fatalf("ComputeMovieHash() error = %v", err)
	}
	if hash != "0000000000020000" {
		t.Fatalf("hash = %q, want 0000000000020000", hash)
	}
}
