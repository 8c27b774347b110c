package decode

import (
	"fmt"
	"sort"

	"howett.net/plist"
)

// DecodeEditHistory recovers message text from the edit-history payload.
// Platforms that support editing move the content there when the
// original text column is cleared; the payload is a property list whose
// "ec" branch holds one archived rich-text revision per edit. The latest
// decodable revision wins.
func DecodeEditHistory(summary []byte, decoders []TextDecoder) (string, error) {
	if len(summary) == 0 {
		return "", fmt.Errorf("empty edit-history payload")
	}

	var root any
	if _, err := plist.Unmarshal(summary, &root); err != nil {
		return "", fmt.Errorf("edit-history payload malformed: %w", err)
	}

	var last string
	found := false
	walkBlobs(root, func(blob []byte) {
		if s, err := DecodeChain(decoders, blob); err == nil && s != "" {
			last = s
			found = true
		}
	})
	if !found {
		return "", fmt.Errorf("no decodable revision in edit history")
	}
	return last, nil
}

// walkBlobs visits every binary value in the property list in document
// order.
func walkBlobs(v any, visit func([]byte)) {
	switch val := v.(type) {
	case []byte:
		visit(val)
	case []any:
		for _, elem := range val {
			walkBlobs(elem, visit)
		}
	case map[string]any:
		// Dictionaries decode unordered; visit keys sorted so the
		// winning revision is the same on every run.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkBlobs(val[k], visit)
		}
	}
}
