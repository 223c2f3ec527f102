package saga

import (
	"bytes"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Filter selects saga instances by equality of body fields. Keys are bson field names, nested
// fields are addressed with dotted paths.
type Filter map[string]interface{}

// Matches evaluates the filter against a serialized saga body.
func (f Filter) Matches(body bson.Raw) bool {
	for path, expected := range f {
		actual, err := body.LookupErr(strings.Split(path, ".")...)
		if err != nil {
			return false
		}
		if !valueEquals(actual, expected) {
			return false
		}
	}
	return true
}

func valueEquals(actual bson.RawValue, expected interface{}) bool {
	t, data, err := bson.MarshalValue(expected)
	if err != nil {
		return false
	}
	want := bson.RawValue{Type: t, Value: data}

	if a, ok := numeric(actual); ok {
		if w, ok := numeric(want); ok {
			return a == w
		}
		return false
	}
	return actual.Type == want.Type && bytes.Equal(actual.Value, want.Value)
}

func numeric(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bsontype.Double:
		return v.Double(), true
	case bsontype.Int32:
		return float64(v.Int32()), true
	case bsontype.Int64:
		return float64(v.Int64()), true
	}
	return 0, false
}
