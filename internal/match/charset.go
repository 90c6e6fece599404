package match

import (
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// encodingFor maps a DICOM Specific Character Set defined term to a decoder.
// A nil return with ok=true means the value is already comparable as-is
// (ASCII or UTF-8); ok=false means the term is unknown.
func encodingFor(term string) (encoding.Encoding, bool) {
	switch strings.TrimSpace(term) {
	case "", "ISO_IR 6", "ISO 2022 IR 6", "ISO_IR 192":
		return nil, true
	case "ISO_IR 100", "ISO 2022 IR 100":
		return charmap.ISO8859_1, true
	case "ISO_IR 101", "ISO 2022 IR 101":
		return charmap.ISO8859_2, true
	case "ISO_IR 109", "ISO 2022 IR 109":
		return charmap.ISO8859_3, true
	case "ISO_IR 110", "ISO 2022 IR 110":
		return charmap.ISO8859_4, true
	case "ISO_IR 144", "ISO 2022 IR 144":
		return charmap.ISO8859_5, true
	case "ISO_IR 127", "ISO 2022 IR 127":
		return charmap.ISO8859_6, true
	case "ISO_IR 126", "ISO 2022 IR 126":
		return charmap.ISO8859_7, true
	case "ISO_IR 138", "ISO 2022 IR 138":
		return charmap.ISO8859_8, true
	case "ISO_IR 148", "ISO 2022 IR 148":
		return charmap.ISO8859_9, true
	case "ISO_IR 13", "ISO 2022 IR 13", "ISO 2022 IR 87", "ISO 2022 IR 159":
		return japanese.ISO2022JP, true
	case "ISO 2022 IR 149":
		return korean.EUCKR, true
	case "GB18030":
		return simplifiedchinese.GB18030, true
	}
	return nil, false
}

type convKey struct {
	charset string
	value   string
}

// Converter normalizes attribute values to UTF-8 for comparison. It caches
// conversions so a query value is converted once per session rather than
// once per candidate record.
type Converter struct {
	cache map[convKey]string
}

// NewConverter returns an empty Converter for one query session.
func NewConverter() *Converter {
	return &Converter{cache: make(map[convKey]string)}
}

// ToUTF8 converts value from the given character set to UTF-8. Unknown terms
// and conversion failures degrade to the raw bytes with a logged warning;
// comparison then proceeds bytewise rather than failing the query.
func (c *Converter) ToUTF8(value, charset string) string {
	if value == "" {
		return value
	}
	enc, ok := encodingFor(charset)
	if !ok {
		log.Warn().Str("charset", charset).Msg("Unknown specific character set, comparing raw bytes")
		return value
	}
	if enc == nil {
		return value
	}

	key := convKey{charset: charset, value: value}
	if out, hit := c.cache[key]; hit {
		return out
	}
	out, err := enc.NewDecoder().String(value)
	if err != nil {
		log.Warn().Err(err).Str("charset", charset).Msg("Character set conversion failed, comparing raw bytes")
		out = value
	}
	c.cache[key] = out
	return out
}

// Encode converts a UTF-8 value into the given character set, for re-encoding
// response payloads to the destination the caller expects. Failures fall back
// to the UTF-8 bytes.
func (c *Converter) Encode(value, charset string) string {
	if value == "" {
		return value
	}
	enc, ok := encodingFor(charset)
	if !ok || enc == nil {
		return value
	}
	out, err := enc.NewEncoder().String(value)
	if err != nil {
		log.Warn().Err(err).Str("charset", charset).Msg("Character set encoding failed, returning UTF-8")
		return value
	}
	return out
}
