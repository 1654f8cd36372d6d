package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// appendCanonicalString appends s as a canonical JSON string: NFC
// normalised, with HTML escaping disabled so <, > and & pass through
// unchanged. Normalising at the serialisation boundary keeps encoded
// bodies byte-stable regardless of how callers composed their input.
func appendCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return fmt.Errorf("encode string: %w", err)
	}

	// json.Encoder adds a trailing newline, drop it.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}
