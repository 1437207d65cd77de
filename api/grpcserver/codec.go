package grpcserver

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the content subtype clients select with
// grpc.CallContentSubtype.
const CodecName = "pbwire"

// wireCodec carries the dto structs in protobuf wire format. Exported fields
// are numbered in declaration order starting at 1, so new fields go at the
// end of a struct. Signed integers are zigzag encoded; zero values are not
// written. Unknown fields are skipped on decode.
type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("pbwire: cannot marshal %T", v)
	}
	return appendStruct(nil, rv)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("pbwire: cannot unmarshal into %T", v)
	}
	return consumeStruct(data, rv.Elem())
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

var errTruncated = errors.New("pbwire: truncated message")

type wireField struct {
	num   protowire.Number
	index int
}

var layouts sync.Map // reflect.Type -> []wireField

func layoutOf(t reflect.Type) []wireField {
	if l, ok := layouts.Load(t); ok {
		return l.([]wireField)
	}
	var fields []wireField
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		fields = append(fields, wireField{num: protowire.Number(len(fields) + 1), index: i})
	}
	l, _ := layouts.LoadOrStore(t, fields)
	return l.([]wireField)
}

func appendStruct(b []byte, rv reflect.Value) ([]byte, error) {
	for _, f := range layoutOf(rv.Type()) {
		var err error
		if b, err = appendField(b, f.num, rv.Field(f.index)); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", rv.Type().Name(), rv.Type().Field(f.index).Name, err)
		}
	}
	return b, nil
}

func appendField(b []byte, num protowire.Number, v reflect.Value) ([]byte, error) {
	switch v.Kind() {
	case reflect.String:
		if v.Len() > 0 {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, v.String())
		}
	case reflect.Int, reflect.Int32, reflect.Int64:
		if n := v.Int(); n != 0 {
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeZigZag(n))
		}
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		if n := v.Uint(); n != 0 {
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, n)
		}
	case reflect.Bool:
		if v.Bool() {
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		}
	case reflect.Struct:
		return appendMessage(b, num, v)
	case reflect.Pointer:
		if v.IsNil() {
			return b, nil
		}
		if v.Elem().Kind() != reflect.Struct {
			return nil, fmt.Errorf("unsupported pointer to %s", v.Elem().Kind())
		}
		return appendMessage(b, num, v.Elem())
	case reflect.Slice:
		return appendRepeated(b, num, v)
	default:
		return nil, fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return b, nil
}

func appendMessage(b []byte, num protowire.Number, v reflect.Value) ([]byte, error) {
	body, err := appendStruct(nil, v)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

func appendRepeated(b []byte, num protowire.Number, v reflect.Value) ([]byte, error) {
	if v.Len() == 0 {
		return b, nil
	}
	switch v.Type().Elem().Kind() {
	case reflect.Uint64:
		var packed []byte
		for i := 0; i < v.Len(); i++ {
			packed = protowire.AppendVarint(packed, v.Index(i).Uint())
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, packed), nil
	case reflect.String:
		for i := 0; i < v.Len(); i++ {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, v.Index(i).String())
		}
		return b, nil
	case reflect.Struct:
		for i := 0; i < v.Len(); i++ {
			var err error
			if b, err = appendMessage(b, num, v.Index(i)); err != nil {
				return nil, err
			}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported slice of %s", v.Type().Elem().Kind())
	}
}

func consumeStruct(data []byte, rv reflect.Value) error {
	fields := layoutOf(rv.Type())
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var target reflect.Value
		if i := int(num) - 1; i >= 0 && i < len(fields) {
			target = rv.Field(fields[i].index)
		}
		if !target.IsValid() {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		n, err := consumeField(data, typ, target)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", rv.Type().Name(), rv.Type().Field(fields[int(num)-1].index).Name, err)
		}
		data = data[n:]
	}
	return nil
}

func consumeField(data []byte, typ protowire.Type, v reflect.Value) (int, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64, reflect.Bool:
		if typ != protowire.VarintType {
			return 0, fmt.Errorf("wire type %d for %s", typ, v.Kind())
		}
		x, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch v.Kind() {
		case reflect.Bool:
			v.SetBool(protowire.DecodeBool(x))
		case reflect.Uint, reflect.Uint32, reflect.Uint64:
			if v.OverflowUint(x) {
				return 0, fmt.Errorf("value %d overflows %s", x, v.Kind())
			}
			v.SetUint(x)
		default:
			s := protowire.DecodeZigZag(x)
			if v.OverflowInt(s) {
				return 0, fmt.Errorf("value %d overflows %s", s, v.Kind())
			}
			v.SetInt(s)
		}
		return n, nil
	}

	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wire type %d for %s", typ, v.Kind())
	}
	body, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(string(body))
	case reflect.Struct:
		if err := consumeStruct(body, v); err != nil {
			return 0, err
		}
	case reflect.Pointer:
		if v.Type().Elem().Kind() != reflect.Struct {
			return 0, fmt.Errorf("unsupported pointer to %s", v.Type().Elem().Kind())
		}
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		if err := consumeStruct(body, v.Elem()); err != nil {
			return 0, err
		}
	case reflect.Slice:
		if err := consumeRepeated(body, v); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return n, nil
}

// consumeRepeated decodes one occurrence of a repeated field: a packed run
// for []uint64, a single element otherwise.
func consumeRepeated(body []byte, v reflect.Value) error {
	elem := v.Type().Elem()
	switch elem.Kind() {
	case reflect.Uint64:
		for len(body) > 0 {
			x, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return errTruncated
			}
			body = body[n:]
			v.Set(reflect.Append(v, reflect.ValueOf(x).Convert(elem)))
		}
	case reflect.String:
		v.Set(reflect.Append(v, reflect.ValueOf(string(body)).Convert(elem)))
	case reflect.Struct:
		item := reflect.New(elem).Elem()
		if err := consumeStruct(body, item); err != nil {
			return err
		}
		v.Set(reflect.Append(v, item))
	default:
		return fmt.Errorf("unsupported slice of %s", elem.Kind())
	}
	return nil
}
