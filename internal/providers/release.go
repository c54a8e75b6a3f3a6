package providers

import (
	"regexp"
	"strings"
)

// ReleaseInfo is what a release name reveals about the encode. Parsed from
// both the video filename (query side) and provider release strings
// (result side) so the two can be compared dimension by dimension.
type ReleaseInfo struct {
	Group      string
	Source     string
	Resolution string
	AudioCodec string
}

var (
	resolutionRe = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|576p|480p)\b`)
	groupRe      = regexp.MustCompile(`-([A-Za-z0-9]+)$`)
)

var sourceAliases = map[string]string{
	"bluray": "bluray", "blu-ray": "bluray", "bdrip": "bluray", "brrip": "bluray", "remux": "bluray",
	"web-dl": "web", "webdl": "web", "webrip": "web", "web": "web",
	"hdtv": "hdtv",
	"dvd":  "dvd", "dvdrip": "dvd",
}

var audioCodecs = []string{"truehd", "eac3", "ddp", "dd+", "ac3", "dts", "flac", "opus", "aac", "mp3"}

// audioAliases folds marketing names onto the codec tokens.
var audioAliases = map[string]string{"ddp": "eac3", "dd+": "eac3"}

// ParseReleaseInfo extracts release attributes from a filename or release
// string. The extension, if any, must already be removed by the caller or
// is ignored via tokenization.
func ParseReleaseInfo(name string) ReleaseInfo {
	base := strings.TrimSuffix(name, extOf(name))
	lower := strings.ToLower(base)
	tokens := tokenize(lower)

	var info ReleaseInfo
	if m := resolutionRe.FindString(lower); m != "" {
		info.Resolution = strings.ToLower(m)
	}
	for _, tok := range tokens {
		if src, ok := sourceAliases[tok]; ok && info.Source == "" {
			info.Source = src
		}
	}
	for _, codec := range audioCodecs {
		for _, tok := range tokens {
			if matchesCodec(tok, codec) {
				if alias, ok := audioAliases[codec]; ok {
					info.AudioCodec = alias
				} else {
					info.AudioCodec = codec
				}
				break
			}
		}
		if info.AudioCodec != "" {
			break
		}
	}
	if m := groupRe.FindStringSubmatch(base); m != nil {
		info.Group = m[1]
	}
	return info
}

// matchesCodec reports whether a release token names a codec. Channel layouts
// ride on the codec token ("DDP5.1" tokenizes to "ddp5"), so trailing digits
// are accepted; any other suffix is a different codec ("dtshd" is not "dts").
func matchesCodec(tok, codec string) bool {
	if !strings.HasPrefix(tok, codec) {
		return false
	}
	for _, r := range tok[len(codec):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func extOf(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 && len(name)-idx <= 5 {
		return name[idx:]
	}
	return ""
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case '.', ' ', '_', '[', ']', '(', ')', '-':
			return true
		}
		return false
	})
}

// applyReleaseMatches compares a result's release string against the query
// release attributes and records the dimensions that line up.
func applyReleaseMatches(query VideoQuery, result *SubtitleResult) {
	info := ParseReleaseInfo(result.Release)
	if query.ReleaseGroup != "" && strings.EqualFold(info.Group, query.ReleaseGroup) {
		result.setMatch(MatchReleaseGroup)
	}
	if query.Source != "" && info.Source == strings.ToLower(query.Source) {
		result.setMatch(MatchSource)
	}
	if query.AudioCodec != "" && info.AudioCodec == strings.ToLower(query.AudioCodec) {
		result.setMatch(MatchAudioCodec)
	}
	if query.Resolution != "" && info.Resolution == strings.ToLower(query.Resolution) {
		result.setMatch(MatchResolution)
	}
	if result.HearingImpaired == query.HearingImpaired {
		result.setMatch(MatchHearingImpaired)
	}
}
