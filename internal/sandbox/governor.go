package sandbox

import (
	"fmt"
	"unicode/utf8"

	"github.com/replab-dev/replab/internal/event"
)

// TruncationMarker is the in-band sentinel appended when size governance
// cuts off artifact content. Truncation is never silent.
const TruncationMarker = "\n__TRUNCATED__\n"

// Default byte ceilings for the two unbounded artifacts.
// Metrics is a single bounded document and is never truncated.
const (
	DefaultLogsCapBytes   = 2 << 20 // 2 MiB
	DefaultEventsCapBytes = 5 << 20 // 5 MiB
)

// Truncate applies a byte ceiling to artifact text. Content at or under the
// cap is returned unchanged. Over-cap content is cut to fit the marker, the
// cut is backed off any split UTF-8 sequence, the marker is appended, and a
// log_line warning naming the artifact and ceiling is emitted.
//
// The result is never longer than maxBytes, even for caps smaller than the
// marker itself. Runs once after execution finishes, never during live
// streaming.
func Truncate(text string, maxBytes int, label string, emit EmitFunc) string {
	if len(text) <= maxBytes {
		return text
	}

	if emit != nil {
		emit(event.KindLogLine, map[string]any{
			"message": fmt.Sprintf("Warning: %s exceeded %d bytes and was truncated", label, maxBytes),
		})
	}

	// A cap below the marker's own size bounds even the marker.
	if maxBytes < len(TruncationMarker) {
		if maxBytes < 0 {
			maxBytes = 0
		}
		return TruncationMarker[:maxBytes]
	}

	cut := text[:maxBytes-len(TruncationMarker)]

	// Back off a rune split at the boundary (lenient decode).
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size != 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}

	return cut + TruncationMarker
}
