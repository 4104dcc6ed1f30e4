package service

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/buger/jsonparser"

	"github.com/lechuhuuha/table_forge/internal/table"
	"github.com/lechuhuuha/table_forge/model"
)

// RecordConverter turns a raw source record into a row of the target table.
type RecordConverter interface {
	Convert(rec model.SinkRecord) (model.Row, error)
}

// ErrEmptyValue is returned for records without a value.
var ErrEmptyValue = errors.New("record has no value")

// JSONConverter reads the schema fields out of JSON object values. Fields
// absent from the value are left out of the row unless required.
type JSONConverter struct {
	schema table.Schema
}

func NewJSONConverter(schema table.Schema) *JSONConverter {
	return &JSONConverter{schema: schema}
}

// Convert implements RecordConverter.
func (c *JSONConverter) Convert(rec model.SinkRecord) (model.Row, error) {
	value := bytes.TrimSpace(rec.Value)
	if len(value) == 0 {
		return nil, ErrEmptyValue
	}
	if value[0] != '{' {
		return nil, errors.New("record value is not a JSON object")
	}
	row := make(model.Row, len(c.schema.Fields))
	for _, f := range c.schema.Fields {
		raw, dataType, _, err := jsonparser.Get(value, f.Name)
		if errors.Is(err, jsonparser.KeyPathNotFoundError) || dataType == jsonparser.Null {
			if f.Required {
				return nil, fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		v, err := convertField(f.Type, raw, dataType)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		row[f.Name] = v
	}
	return row, nil
}

func convertField(t table.FieldType, raw []byte, dataType jsonparser.ValueType) (any, error) {
	switch t {
	case table.TypeString:
		if dataType == jsonparser.String {
			return jsonparser.ParseString(raw)
		}
		if dataType == jsonparser.Object || dataType == jsonparser.Array {
			return nil, fmt.Errorf("cannot use %s as string", dataType)
		}
		return string(raw), nil
	case table.TypeLong:
		switch dataType {
		case jsonparser.Number:
			return jsonparser.ParseInt(raw)
		case jsonparser.String:
			s, err := jsonparser.ParseString(raw)
			if err != nil {
				return nil, err
			}
			return strconv.ParseInt(s, 10, 64)
		}
	case table.TypeDouble:
		switch dataType {
		case jsonparser.Number:
			return jsonparser.ParseFloat(raw)
		case jsonparser.String:
			s, err := jsonparser.ParseString(raw)
			if err != nil {
				return nil, err
			}
			return strconv.ParseFloat(s, 64)
		}
	case table.TypeBoolean:
		if dataType == jsonparser.Boolean {
			return jsonparser.ParseBoolean(raw)
		}
	case table.TypeTimestamp:
		return parseTimestamp(raw, dataType)
	default:
		return nil, fmt.Errorf("unsupported field type %q", t)
	}
	return nil, fmt.Errorf("cannot use %s as %s", dataType, t)
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string and returns
// epoch milliseconds.
func parseTimestamp(raw []byte, dataType jsonparser.ValueType) (any, error) {
	switch dataType {
	case jsonparser.Number:
		return jsonparser.ParseInt(raw)
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return ts.UnixMilli(), nil
	}
	return nil, fmt.Errorf("cannot use %s as timestamp", dataType)
}
