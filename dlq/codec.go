package dlq

import (
	"encoding/json"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// documentCodec decodes numbers as json.Number so stored payloads keep their
// integer values; NormalizeNumbers turns them back into Go numbers.
var documentCodec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

func encodeEntry(entry Entry) ([]byte, error) {
	return documentCodec.Marshal(entry)
}

func decodeEntry(data []byte, entry *Entry) error {
	if err := documentCodec.Unmarshal(data, entry); err != nil {
		return err
	}
	entry.Payload = NormalizeNumbers(entry.Payload)
	entry.Metadata = NormalizeNumbers(entry.Metadata)
	return nil
}

// EncodeDocument serializes a payload or metadata map for storage.
func EncodeDocument(doc map[string]any) ([]byte, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	return documentCodec.Marshal(doc)
}

// DecodeDocument is the inverse of EncodeDocument. Integers come back as
// int64 (uint64 above that range), everything else numeric as float64.
func DecodeDocument(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := documentCodec.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return NormalizeNumbers(doc), nil
}

// NormalizeNumbers replaces json.Number values in doc, recursively.
func NormalizeNumbers(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	for key, value := range doc {
		doc[key] = normalizeValue(value)
	}
	return doc
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		return numberValue(typed)
	case map[string]any:
		return NormalizeNumbers(typed)
	case []any:
		for idx, item := range typed {
			typed[idx] = normalizeValue(item)
		}
		return typed
	default:
		return value
	}
}

func numberValue(n json.Number) any {
	text := n.String()
	if !strings.ContainsAny(text, ".eE") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(text, 10, 64); err == nil {
			return u
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return text
}
