package audio

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/MrWong99/storyturn/internal/fault"
)

// Format is a container/codec family the normalizer accepts.
type Format string

const (
	FormatWebM Format = "webm"
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatM4A  Format = "m4a"
	FormatAAC  Format = "aac"
	FormatCAF  Format = "caf"
)

// Ext returns the file extension, with leading dot, used for temp files.
func (f Format) Ext() string { return "." + string(f) }

var extFormats = map[string]Format{
	".webm": FormatWebM,
	".weba": FormatWebM,
	".wav":  FormatWAV,
	".wave": FormatWAV,
	".mp3":  FormatMP3,
	".m4a":  FormatM4A,
	".mp4":  FormatM4A,
	".aac":  FormatAAC,
	".caf":  FormatCAF,
}

var mimeFormats = map[string]Format{
	"audio/webm":     FormatWebM,
	"video/webm":     FormatWebM,
	"audio/wav":      FormatWAV,
	"audio/x-wav":    FormatWAV,
	"audio/wave":     FormatWAV,
	"audio/vnd.wave": FormatWAV,
	"audio/mpeg":     FormatMP3,
	"audio/mp3":      FormatMP3,
	"audio/mp4":      FormatM4A,
	"audio/m4a":      FormatM4A,
	"audio/x-m4a":    FormatM4A,
	"audio/aac":      FormatAAC,
	"audio/x-aac":    FormatAAC,
	"audio/x-caf":    FormatCAF,
}

// DetectFormat infers the upload format from the filename extension, falling
// back to the declared MIME type. MIME parameters such as ";codecs=opus" are
// ignored. It fails with [fault.KindUnsupportedFormat] when neither maps to a
// known format.
func DetectFormat(filename, mimeType string) (Format, error) {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if f, ok := extFormats[ext]; ok {
			return f, nil
		}
	}
	if mimeType != "" {
		mt, _, err := mime.ParseMediaType(mimeType)
		if err != nil {
			mt = strings.ToLower(strings.TrimSpace(mimeType))
		}
		if f, ok := mimeFormats[mt]; ok {
			return f, nil
		}
	}
	return "", fault.New(fault.KindUnsupportedFormat, "audio: detect format",
		fmt.Sprintf("unrecognised filename %q and content type %q", filename, mimeType))
}
