package decode

import (
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// Canonical codec names used throughout the engine.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecVP9  = "vp9"
	CodecAV1  = "av1"
)

// codecAliases maps common spellings to canonical names.
var codecAliases = map[string]string{
	"h264":  CodecH264,
	"avc":   CodecH264,
	"avc1":  CodecH264,
	"h265":  CodecH265,
	"hevc":  CodecH265,
	"hvc1":  CodecH265,
	"hev1":  CodecH265,
	"vp9":   CodecVP9,
	"vp09":  CodecVP9,
	"av1":   CodecAV1,
	"av01":  CodecAV1,
}

// representable tracks which video codecs the media toolkit can describe.
// Detected at init time by type-asserting against mediacommon's codec
// types, so the set adapts when the library adds support.
var representable = map[string]bool{}

func init() {
	var h264 mpegts.Codec = &mpegts.CodecH264{}
	representable[CodecH264] = !isUnsupportedCodec(h264)

	var h265 mpegts.Codec = &mpegts.CodecH265{}
	representable[CodecH265] = !isUnsupportedCodec(h265)

	// VP9/AV1 have no MPEG-TS mapping in mediacommon; they are still
	// decodable by platforms that accept fMP4 chunks.
	representable[CodecVP9] = true
	representable[CodecAV1] = true
}

// isUnsupportedCodec checks for mediacommon's CodecUnsupported sentinel.
func isUnsupportedCodec(c mpegts.Codec) bool {
	_, unsupported := c.(*mpegts.CodecUnsupported)
	return unsupported
}

// CanonicalCodec normalizes a codec spelling to its canonical name.
// Returns false for unknown codecs.
func CanonicalCodec(name string) (string, bool) {
	canonical, ok := codecAliases[strings.ToLower(strings.TrimSpace(name))]
	return canonical, ok
}

// FilterSupportedCodecs normalizes and filters a decoder-reported codec
// list down to codecs the engine can represent. Unknown or duplicate
// entries are dropped.
func FilterSupportedCodecs(reported []string) []string {
	seen := make(map[string]struct{}, len(reported))
	out := make([]string, 0, len(reported))
	for _, name := range reported {
		canonical, ok := CanonicalCodec(name)
		if !ok || !representable[canonical] {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

// DefaultCodecs returns the codecs assumed when the decoder cannot
// enumerate its own support.
func DefaultCodecs() []string {
	out := make([]string, 0, 2)
	if representable[CodecH264] {
		out = append(out, CodecH264)
	}
	if representable[CodecH265] {
		out = append(out, CodecH265)
	}
	return out
}
