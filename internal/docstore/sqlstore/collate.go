package sqlstore

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	jsoniter "github.com/json-iterator/go"
)

// Key collation follows the view ordering of document stores:
// null < false < true < numbers < strings < arrays < objects.
// Strings compare by code point, except docstore.HighSentinel which sorts
// after every character. Arrays compare element-wise with shorter prefixes
// first. The encoding is byte-comparable so SQLite can range scan it.
const (
	tagEnd    byte = 0x00
	tagNull   byte = 0x01
	tagFalse  byte = 0x02
	tagTrue   byte = 0x03
	tagNumber byte = 0x04
	tagString byte = 0x05
	tagArray  byte = 0x06
	tagObject byte = 0x07
	escapeNUL byte = 0xFF
	// sentinelByte never occurs in UTF-8 and exceeds every lead byte.
	sentinelByte byte = 0xFE
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// normalizeKey converts any Go value into the shapes produced by JSON
// decoding so that query keys and emitted keys encode identically.
func normalizeKey(value any) (any, error) {
	switch value.(type) {
	case nil, bool, float64, string:
		return value, nil
	}
	raw, err := jsonAPI.Marshal(value)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := jsonAPI.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

func encodeKey(value any) []byte {
	return appendKey(make([]byte, 0, 32), value)
}

func appendKey(buf []byte, value any) []byte {
	switch typed := value.(type) {
	case nil:
		return append(buf, tagNull)
	case bool:
		if typed {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case float64:
		return appendNumber(buf, typed)
	case int:
		return appendNumber(buf, float64(typed))
	case int64:
		return appendNumber(buf, float64(typed))
	case string:
		return appendString(append(buf, tagString), typed)
	case []any:
		buf = append(buf, tagArray)
		for _, element := range typed {
			buf = appendKey(buf, element)
		}
		return append(buf, tagEnd)
	case map[string]any:
		names := make([]string, 0, len(typed))
		for name := range typed {
			names = append(names, name)
		}
		sort.Strings(names)
		buf = append(buf, tagObject)
		for _, name := range names {
			buf = appendString(append(buf, tagString), name)
			buf = appendKey(buf, typed[name])
		}
		return append(buf, tagEnd)
	default:
		normalized, err := normalizeKey(value)
		if err != nil {
			return append(buf, tagNull)
		}
		return appendKey(buf, normalized)
	}
}

func appendNumber(buf []byte, number float64) []byte {
	if number == 0 {
		// -0 collates as 0
		number = 0
	}
	bits := math.Float64bits(number)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	buf = append(buf, tagNumber)
	return binary.BigEndian.AppendUint64(buf, bits)
}

func appendString(buf []byte, value string) []byte {
	for index := 0; index < len(value); index++ {
		if value[index] == 0x00 {
			buf = append(buf, 0x00, escapeNUL)
			continue
		}
		if strings.HasPrefix(value[index:], docstore.HighSentinel) {
			buf = append(buf, sentinelByte)
			index += len(docstore.HighSentinel) - 1
			continue
		}
		buf = append(buf, value[index])
	}
	return append(buf, tagEnd)
}
