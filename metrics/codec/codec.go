// Package codec encodes coalesced value sets into protobuf well-known types so that
// sinks can hand them to JSON or protobuf based transports without generated code.
//
// A value set becomes a Struct:
//
//	{"name": "latency", "unit": "Milliseconds", "timestamp": "2026-01-02T03:04:05Z",
//	 "dimensions": {"host": "a"}, "values": [1, 3], "counts": [2, 1],
//	 "sum": 5, "sampleCount": 3}
//
// unit, timestamp, dimensions and counts are omitted when absent.
package codec

import (
	"fmt"
	"math"

	"github.com/linchenxuan/metricq/metrics"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// EncodeValueSet converts one value set into a Struct.
func EncodeValueSet(vs metrics.ValueSet) (*structpb.Struct, error) {
	values := make([]*structpb.Value, len(vs.Values))
	for i, v := range vs.Values {
		f, err := number(float64(v))
		if err != nil {
			return nil, fmt.Errorf("metric %s value %d: %w", vs.Name, i, err)
		}
		values[i] = f
	}
	sum, err := number(float64(vs.Sum()))
	if err != nil {
		return nil, fmt.Errorf("metric %s sum: %w", vs.Name, err)
	}

	fields := map[string]*structpb.Value{
		"name":        structpb.NewStringValue(vs.Name),
		"values":      structpb.NewListValue(&structpb.ListValue{Values: values}),
		"sum":         sum,
		"sampleCount": structpb.NewNumberValue(float64(vs.SampleCount())),
	}
	if vs.Unit != "" {
		fields["unit"] = structpb.NewStringValue(string(vs.Unit))
	}
	if !vs.Timestamp.IsZero() {
		// RFC 3339 string, the JSON mapping of google.protobuf.Timestamp
		b, err := protojson.Marshal(timestamppb.New(vs.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("metric %s timestamp: %w", vs.Name, err)
		}
		fields["timestamp"] = structpb.NewStringValue(string(b[1 : len(b)-1]))
	}
	if len(vs.Dimensions) > 0 {
		dims := make(map[string]*structpb.Value, len(vs.Dimensions))
		for _, d := range vs.Dimensions {
			dims[d.Name] = structpb.NewStringValue(d.Value)
		}
		fields["dimensions"] = structpb.NewStructValue(&structpb.Struct{Fields: dims})
	}
	if vs.Counts != nil {
		counts := make([]*structpb.Value, len(vs.Counts))
		for i, c := range vs.Counts {
			counts[i] = structpb.NewNumberValue(c)
		}
		fields["counts"] = structpb.NewListValue(&structpb.ListValue{Values: counts})
	}
	return &structpb.Struct{Fields: fields}, nil
}

// EncodeBatch converts a coalesced batch into a ListValue of Structs, keeping order.
func EncodeBatch(batch []metrics.ValueSet) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(batch))}
	for _, vs := range batch {
		s, err := EncodeValueSet(vs)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

// MarshalJSON encodes a batch as a JSON array.
func MarshalJSON(batch []metrics.ValueSet) ([]byte, error) {
	list, err := EncodeBatch(batch)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(list)
}

// number rejects NaN and infinities, which have no JSON representation.
func number(f float64) (*structpb.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	return structpb.NewNumberValue(f), nil
}
