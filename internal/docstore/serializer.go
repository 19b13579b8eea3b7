package docstore

import (
	"fmt"
	"reflect"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
	"github.com/modern-go/reflect2"
)

const fieldType = "type"

// TypeHook customises how values of one Go type are written to and read from
// stored documents. Encode returns a JSON-serialisable replacement; Decode
// receives the raw JSON of the field and returns a value of Type.
type TypeHook struct {
	Type   reflect.Type
	Encode func(value any) (any, error)
	Decode func(raw []byte) (any, error)
}

// Serializer converts typed records to the store's JSON documents and back.
type Serializer struct {
	api jsoniter.API
}

// NewSerializer builds a serializer with the supplied per-type hooks.
func NewSerializer(hooks ...TypeHook) *Serializer {
	api := jsoniter.Config{
		EscapeHTML:             false,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
	}.Froze()

	extension := &hookExtension{
		encoders: make(map[reflect.Type]jsoniter.ValEncoder),
		decoders: make(map[reflect.Type]jsoniter.ValDecoder),
	}
	for _, hook := range hooks {
		if hook.Type == nil {
			continue
		}
		if hook.Encode != nil {
			extension.encoders[hook.Type] = &hookEncoder{hook: hook}
		}
		if hook.Decode != nil {
			extension.decoders[hook.Type] = &hookDecoder{hook: hook}
		}
	}
	api.RegisterExtension(extension)

	return &Serializer{api: api}
}

// Marshal encodes v as a store document.
func (s *Serializer) Marshal(v any) ([]byte, error) {
	return s.api.Marshal(v)
}

// Unmarshal decodes a store document into v.
func (s *Serializer) Unmarshal(data []byte, v any) error {
	return s.api.Unmarshal(data, v)
}

// DocumentType returns the type discriminator of a raw document, or "" when absent.
func (s *Serializer) DocumentType(data []byte) string {
	value := s.api.Get(data, fieldType)
	if value.ValueType() != jsoniter.StringValue {
		return ""
	}
	return value.ToString()
}

type hookExtension struct {
	jsoniter.DummyExtension
	encoders map[reflect.Type]jsoniter.ValEncoder
	decoders map[reflect.Type]jsoniter.ValDecoder
}

func (e *hookExtension) CreateEncoder(typ reflect2.Type) jsoniter.ValEncoder {
	if encoder, ok := e.encoders[typ.Type1()]; ok {
		return encoder
	}
	return nil
}

func (e *hookExtension) CreateDecoder(typ reflect2.Type) jsoniter.ValDecoder {
	if decoder, ok := e.decoders[typ.Type1()]; ok {
		return decoder
	}
	return nil
}

type hookEncoder struct {
	hook TypeHook
}

func (e *hookEncoder) IsEmpty(ptr unsafe.Pointer) bool {
	return reflect.NewAt(e.hook.Type, ptr).Elem().IsZero()
}

func (e *hookEncoder) Encode(ptr unsafe.Pointer, stream *jsoniter.Stream) {
	value := reflect.NewAt(e.hook.Type, ptr).Elem().Interface()
	replacement, err := e.hook.Encode(value)
	if err != nil {
		stream.Error = fmt.Errorf("encode %s: %w", e.hook.Type, err)
		return
	}
	stream.WriteVal(replacement)
}

type hookDecoder struct {
	hook TypeHook
}

func (d *hookDecoder) Decode(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
	raw := iter.SkipAndReturnBytes()
	if iter.Error != nil {
		return
	}
	value, err := d.hook.Decode(raw)
	if err != nil {
		iter.ReportError("decode "+d.hook.Type.String(), err.Error())
		return
	}
	decoded := reflect.ValueOf(value)
	if !decoded.IsValid() {
		return
	}
	if !decoded.Type().AssignableTo(d.hook.Type) {
		if !decoded.Type().ConvertibleTo(d.hook.Type) {
			iter.ReportError("decode "+d.hook.Type.String(), "hook returned "+decoded.Type().String())
			return
		}
		decoded = decoded.Convert(d.hook.Type)
	}
	reflect.NewAt(d.hook.Type, ptr).Elem().Set(decoded)
}
