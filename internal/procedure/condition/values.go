package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// ToValue converts a native Go value (as found in execution context and node
// outputs) into a cty.Value. Maps become objects so attribute access works
// with dotted traversals. Types without a direct mapping go through JSON.
func ToValue(v any) (cty.Value, error) {
	switch typed := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return typed, nil
	case string:
		return cty.StringVal(typed), nil
	case bool:
		return cty.BoolVal(typed), nil
	case int:
		return cty.NumberIntVal(int64(typed)), nil
	case int32:
		return cty.NumberIntVal(int64(typed)), nil
	case int64:
		return cty.NumberIntVal(typed), nil
	case uint:
		return cty.NumberUIntVal(uint64(typed)), nil
	case uint64:
		return cty.NumberUIntVal(typed), nil
	case float32:
		return cty.NumberFloatVal(float64(typed)), nil
	case float64:
		return cty.NumberFloatVal(typed), nil
	case *big.Float:
		return cty.NumberVal(typed), nil
	case json.Number:
		value, err := cty.ParseNumberVal(typed.String())
		if err != nil {
			return cty.NilVal, fmt.Errorf("number %q: %w", typed, err)
		}
		return value, nil
	case time.Time:
		return cty.StringVal(typed.UTC().Format(time.RFC3339Nano)), nil
	case time.Duration:
		return cty.StringVal(typed.String()), nil
	case []string:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = item
		}
		return toTuple(items)
	case []any:
		return toTuple(typed)
	case map[string]string:
		items := make(map[string]any, len(typed))
		for key, item := range typed {
			items[key] = item
		}
		return toObject(items)
	case map[string]any:
		return toObject(typed)
	default:
		return fromJSON(v)
	}
}

// fromJSON converts any other JSON-encodable value (typed slices and maps,
// narrow integers, structs) through its JSON form, which is also how it is
// persisted.
func fromJSON(v any) (cty.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unsupported value type %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return cty.NilVal, fmt.Errorf("unsupported value type %T: %w", v, err)
	}
	return ToValue(generic)
}

func toTuple(items []any) (cty.Value, error) {
	if len(items) == 0 {
		return cty.EmptyTupleVal, nil
	}
	values := make([]cty.Value, len(items))
	for i, item := range items {
		value, err := ToValue(item)
		if err != nil {
			return cty.NilVal, fmt.Errorf("index %d: %w", i, err)
		}
		values[i] = value
	}
	return cty.TupleVal(values), nil
}

func toObject(items map[string]any) (cty.Value, error) {
	if len(items) == 0 {
		return cty.EmptyObjectVal, nil
	}
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make(map[string]cty.Value, len(items))
	for _, key := range keys {
		value, err := ToValue(items[key])
		if err != nil {
			return cty.NilVal, fmt.Errorf("attribute %q: %w", key, err)
		}
		attrs[key] = value
	}
	return cty.ObjectVal(attrs), nil
}
