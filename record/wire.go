package record

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Dynamic is implemented by vendor response objects that expose unbounded
// dynamic attribute access (test doubles backed by a generic attribute map
// are the common case). reduceValue never walks such a value's fields; it
// serializes it as an empty object instead, mirroring how a real client
// guards against runaway reflection over a mock.
type Dynamic interface {
	AICMDynamicStub()
}

// Serializer reduces a vendor-specific value to something encoding/json can
// handle (a map, slice, or scalar). Register one with RegisterSerializer for
// any type the default reflection-based reduction handles poorly.
type Serializer func(v any) (any, error)

var (
	serializerMu sync.RWMutex
	serializers  = map[reflect.Type]Serializer{}
)

// RegisterSerializer installs a custom reducer for values of exactly the
// given type. Later registrations for the same type replace earlier ones.
func RegisterSerializer(sampleOfType any, fn Serializer) {
	serializerMu.Lock()
	defer serializerMu.Unlock()
	serializers[reflect.TypeOf(sampleOfType)] = fn
}

func lookupSerializer(t reflect.Type) (Serializer, bool) {
	serializerMu.RLock()
	defer serializerMu.RUnlock()
	fn, ok := serializers[t]
	return fn, ok
}

const maxReduceDepth = 20

// reduceValue bounds depth and detects cycles in pointer/map/slice chains,
// falling back in order to: (1) a registered serializer, (2) copying public
// scalar attributes of a struct via reflection, (3) string coercion.
func reduceValue(v any, depth int, seen map[uintptr]bool) any {
	if v == nil {
		return nil
	}
	if depth > maxReduceDepth {
		return "<max-depth-exceeded>"
	}

	switch tv := v.(type) {
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return tv
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	}

	if d, ok := v.(Dynamic); ok {
		_ = d
		return map[string]any{}
	}

	rt := reflect.TypeOf(v)
	if fn, ok := lookupSerializer(rt); ok {
		reduced, err := fn(v)
		if err != nil {
			return fmt.Sprintf("<serializer-error: %v>", err)
		}
		return reduceValue(reduced, depth+1, seen)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Sprintf("%v", v)
		}
		if rv.Pointer() != 0 {
			if seen[rv.Pointer()] {
				return "<cycle>"
			}
			seen = markSeen(seen, rv.Pointer())
		}
		out := make(map[string]any, rv.Len())
		for _, key := range rv.MapKeys() {
			out[key.String()] = reduceValue(rv.MapIndex(key).Interface(), depth+1, seen)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.Pointer() != 0 {
				if seen[rv.Pointer()] {
					return "<cycle>"
				}
				seen = markSeen(seen, rv.Pointer())
			}
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = reduceValue(rv.Index(i).Interface(), depth+1, seen)
		}
		return out

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			addr := rv.Pointer()
			if seen[addr] {
				return "<cycle>"
			}
			seen = markSeen(seen, addr)
		}
		return reduceValue(rv.Elem().Interface(), depth+1, seen)

	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			out[field.Name] = reduceValue(rv.Field(i).Interface(), depth+1, seen)
		}
		return out

	default:
		return fmt.Sprintf("%v", v)
	}
}

func markSeen(seen map[uintptr]bool, addr uintptr) map[uintptr]bool {
	next := make(map[uintptr]bool, len(seen)+1)
	for k := range seen {
		next[k] = true
	}
	next[addr] = true
	return next
}

// Reduce exposes the serialization fallback chain for callers that
// want plain-JSON usage values without going through ToWire.
func Reduce(v any) any {
	return reduceValue(v, 0, nil)
}

// wireRecord is the exact shape the server expects on POST /track. Field
// order here drives json.Marshal's struct-field order; map-valued fields
// (Usage, Context) get deterministic key order for free from encoding/json,
// which always sorts map[string]any keys.
type wireRecord struct {
	ServiceKey  string         `json:"service_key"`
	ResponseID  string         `json:"response_id"`
	Timestamp   string         `json:"timestamp"`
	CustomerKey string         `json:"customer_key,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Usage       map[string]any `json:"usage"`
	APIID       string         `json:"api_id,omitempty"`
}

// ToWire renders the deterministic JSON wire form of r.
func ToWire(r *UsageRecord) ([]byte, error) {
	usage, _ := reduceValue(r.Usage, 0, nil).(map[string]any)
	var ctx map[string]any
	if r.Context != nil {
		ctx, _ = reduceValue(r.Context, 0, nil).(map[string]any)
	}
	wr := wireRecord{
		ServiceKey:  r.ServiceKey,
		ResponseID:  r.ResponseID,
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339Nano),
		CustomerKey: r.CustomerKey,
		Context:     ctx,
		Usage:       usage,
		APIID:       r.APIID,
	}
	return json.Marshal(wr)
}

// FromWire parses a wire-form record back into a UsageRecord. It is the
// inverse of ToWire for all recognized (JSON-native) record shapes; vendor
// objects reduced through Reduce do not round-trip back to their original
// Go type, only to their reduced JSON representation.
func FromWire(data []byte) (*UsageRecord, error) {
	var wr wireRecord
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, fmt.Errorf("record: decode wire form: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, wr.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("record: parse timestamp %q: %w", wr.Timestamp, err)
	}
	return &UsageRecord{
		ServiceKey:  wr.ServiceKey,
		ResponseID:  wr.ResponseID,
		Timestamp:   ts,
		CustomerKey: wr.CustomerKey,
		Context:     wr.Context,
		Usage:       wr.Usage,
		APIID:       wr.APIID,
	}, nil
}

// ToWireBatch renders a batch as the {"records": [...]} envelope POST
// /track expects.
func ToWireBatch(b Batch) ([]byte, error) {
	records := make([]json.RawMessage, 0, len(b))
	for _, r := range b {
		raw, err := ToWire(r)
		if err != nil {
			return nil, err
		}
		records = append(records, raw)
	}
	return json.Marshal(struct {
		Records []json.RawMessage `json:"records"`
	}{Records: records})
}
