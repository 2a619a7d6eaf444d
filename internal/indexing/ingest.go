package indexing

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	gokkoerrors "github.com/amanmcp/gokko/internal/errors"
)

// ParseDocuments runs P1's normalization step over one task's raw content
// file: newline-delimited JSON objects (§4.2's accepted document payload
// format), each resolved against the index's primary key into a staged
// Document with its field insertion order preserved.
func ParseDocuments(raw []byte, ix *Index, primaryKey string) ([]*Document, error) {
	var docs []*Document

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ordered orderedObject
		if err := json.Unmarshal(line, &ordered); err != nil {
			return nil, gokkoerrors.UserError(
				gokkoerrors.ErrCodeInvalidDocument,
				fmt.Sprintf("malformed document at line %d: %v", lineNo, err),
				err,
			)
		}

		external, ok := ordered.fields[primaryKey]
		if !ok {
			return nil, gokkoerrors.UserError(
				gokkoerrors.ErrCodeMissingPrimaryKey,
				fmt.Sprintf("document at line %d is missing primary key %q", lineNo, primaryKey),
				nil,
			)
		}
		externalID := fmt.Sprint(trimJSONString(external))

		docID := ix.ResolveDocID(externalID)
		docs = append(docs, &Document{
			DocID:      docID,
			Fields:     ordered.fields,
			FieldOrder: ordered.order,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan document payload: %w", err)
	}

	return docs, nil
}

// orderedObject unmarshals a JSON object while recording the order its keys
// first appeared in, since field insertion order is a determinism
// requirement for position encoding (§4.5 P1).
type orderedObject struct {
	fields map[string]any
	order  []string
}

func (o *orderedObject) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object, got %v", tok)
	}

	o.fields = make(map[string]any)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)

		var val any
		if err := dec.Decode(&val); err != nil {
			return err
		}
		if _, seen := o.fields[key]; !seen {
			o.order = append(o.order, key)
		}
		o.fields[key] = normalizeJSONValue(val)
	}
	return nil
}

// normalizeJSONValue converts json.Number into float64 so downstream
// extraction can type-switch on plain numeric kinds.
func normalizeJSONValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, inner := range x {
			x[k] = normalizeJSONValue(inner)
		}
		return x
	case []any:
		for i, inner := range x {
			x[i] = normalizeJSONValue(inner)
		}
		return x
	default:
		return v
	}
}

func trimJSONString(v any) any {
	if s, ok := v.(string); ok {
		return s
	}
	return v
}
