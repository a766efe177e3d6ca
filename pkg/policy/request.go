package policy

import (
	"reflect"
	"strings"
)

// paramsField is the extension key that replaces a Request's params.
const paramsField = "params"

// Request is the per-invocation context handed to a policy. It carries the
// caller's params verbatim plus any extension fields attached by the
// RequestFactory.
type Request struct {
	params     any
	extensions map[string]any
}

// RequestFactory builds the Request passed to each policy invocation.
type RequestFactory func(params any, extensions map[string]any) *Request

// NewRequest is the default RequestFactory. A nil params value becomes an
// empty map. Extension entries are copied onto the Request; an entry named
// "params" replaces the params value.
func NewRequest(params any, extensions map[string]any) *Request {
	if params == nil {
		params = map[string]any{}
	}

	req := &Request{params: params}
	if len(extensions) == 0 {
		return req
	}

	req.extensions = make(map[string]any, len(extensions))
	for key, value := range extensions {
		if key == paramsField {
			req.params = value
			continue
		}
		req.extensions[key] = value
	}
	return req
}

// WithExtensions returns a factory that attaches static extension fields to
// every Request built by base. Per-call extensions win over static ones.
func WithExtensions(base RequestFactory, static map[string]any) RequestFactory {
	if base == nil {
		base = NewRequest
	}
	if len(static) == 0 {
		return base
	}

	fixed := make(map[string]any, len(static))
	for key, value := range static {
		fixed[key] = value
	}

	return func(params any, extensions map[string]any) *Request {
		merged := make(map[string]any, len(fixed)+len(extensions))
		for key, value := range fixed {
			merged[key] = value
		}
		for key, value := range extensions {
			merged[key] = value
		}
		return base(params, merged)
	}
}

// Params returns the params value exactly as supplied.
func (r *Request) Params() any {
	return r.params
}

// Param returns the value stored under key in params, or nil when absent.
func (r *Request) Param(key string) any {
	value, _ := r.LookupParam(key)
	return value
}

// LookupParam returns the value stored under key in params and whether it was
// present. Maps keyed by strings, structs and pointers to either are
// supported; any other params shape reports absent.
func (r *Request) LookupParam(key string) (any, bool) {
	switch typed := r.params.(type) {
	case map[string]any:
		value, ok := typed[key]
		return value, ok
	case map[string]string:
		value, ok := typed[key]
		if !ok {
			return nil, false
		}
		return value, true
	}
	return lookupValue(reflect.ValueOf(r.params), key)
}

// Extension returns the extension field stored under name.
func (r *Request) Extension(name string) (any, bool) {
	value, ok := r.extensions[name]
	return value, ok
}

// Extensions returns a copy of the Request's extension fields.
func (r *Request) Extensions() map[string]any {
	out := make(map[string]any, len(r.extensions))
	for key, value := range r.extensions {
		out[key] = value
	}
	return out
}

func lookupValue(v reflect.Value, key string) (any, bool) {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, false
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		value := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
		if !value.IsValid() {
			return nil, false
		}
		return value.Interface(), true
	case reflect.Struct:
		return lookupField(v, key)
	default:
		return nil, false
	}
}

func lookupField(v reflect.Value, key string) (any, bool) {
	t := v.Type()
	if field, ok := t.FieldByName(key); ok && field.IsExported() {
		value, err := v.FieldByIndexErr(field.Index)
		if err != nil {
			return nil, false
		}
		return value.Interface(), true
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == key {
			return v.Field(i).Interface(), true
		}
	}
	return nil, false
}
