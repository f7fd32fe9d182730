// Package bstruct converts between Go structs and the raw bytes of
// their C counterparts.
//
// Supported field types are uint8, uint16, uint32, uint64, byte arrays
// (useful for explicit padding) and types implementing Byter. Fields are
// encoded in declaration order with no implicit padding, so C structs
// with alignment holes must spell the holes out as [N]byte fields.
package bstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"reflect"
)

var (
	// DefaultExitFn is invoked by functions ending in the "OrExit"
	// suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)

// Byter is implemented by field types that know how to encode
// themselves.
type Byter interface {
	ToBytes(binary.ByteOrder) []byte
}

// FieldInfo describes a single encoded field.
type FieldInfo struct {
	Index int
	Name  string
	Type  string
	Value []byte
}

// ToBytesOrExit calls ToBytes. It calls DefaultExitFn if an error occurs.
func ToBytesOrExit(s interface{}, bo binary.ByteOrder, optFn func(FieldInfo) error) []byte {
	b, err := ToBytes(s, bo, optFn)
	if err != nil {
		DefaultExitFn(err)
	}

	return b
}

// ToBytes encodes the struct s. If optFn is non-nil, it is called
// after each field is encoded.
func ToBytes(s interface{}, bo binary.ByteOrder, optFn func(FieldInfo) error) ([]byte, error) {
	if s == nil {
		return nil, errors.New("struct is nil")
	}

	structValue := reflect.ValueOf(s)
	if structValue.Kind() == reflect.Pointer {
		structValue = structValue.Elem()
	}

	if structValue.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected a struct - got %T", s)
	}

	structType := structValue.Type()

	var b []byte

	for i := 0; i < structValue.NumField(); i++ {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		at := len(b)

		switch {
		case field.Type.Implements(reflect.TypeOf((*Byter)(nil)).Elem()):
			b = append(b, fieldValue.Interface().(Byter).ToBytes(bo)...)
		case isByteArray(field.Type):
			for j := 0; j < fieldValue.Len(); j++ {
				b = append(b, byte(fieldValue.Index(j).Uint()))
			}
		default:
			switch field.Type.Kind() {
			case reflect.Uint8:
				b = append(b, uint8(fieldValue.Uint()))
			case reflect.Uint16:
				b = append(b, make([]byte, 2)...)
				bo.PutUint16(b[len(b)-2:], uint16(fieldValue.Uint()))
			case reflect.Uint32:
				b = append(b, make([]byte, 4)...)
				bo.PutUint32(b[len(b)-4:], uint32(fieldValue.Uint()))
			case reflect.Uint64:
				b = append(b, make([]byte, 8)...)
				bo.PutUint64(b[len(b)-8:], fieldValue.Uint())
			default:
				return nil, fmt.Errorf("unsupported data type %s for field %q (index %d)",
					field.Type, field.Name, i)
			}
		}

		if optFn != nil {
			err := optFn(FieldInfo{
				Index: i,
				Name:  field.Name,
				Type:  field.Type.String(),
				Value: b[at:],
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return b, nil
}

// FromBytes decodes b into the struct pointed to by ptr and returns
// the number of bytes consumed. Byter fields are not supported.
func FromBytes(b []byte, bo binary.ByteOrder, ptr interface{}) (int, error) {
	ptrValue := reflect.ValueOf(ptr)
	if ptrValue.Kind() != reflect.Pointer || ptrValue.Elem().Kind() != reflect.Struct {
		return 0, fmt.Errorf("expected a pointer to a struct - got %T", ptr)
	}

	structValue := ptrValue.Elem()
	structType := structValue.Type()

	size, err := Size(structValue.Interface())
	if err != nil {
		return 0, err
	}

	if len(b) < size {
		return 0, fmt.Errorf("need %d bytes to decode %s - got %d",
			size, structType, len(b))
	}

	at := 0

	for i := 0; i < structValue.NumField(); i++ {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		if !fieldValue.CanSet() {
			return 0, fmt.Errorf("field %q (index %d) is not settable", field.Name, i)
		}

		switch {
		case isByteArray(field.Type):
			for j := 0; j < fieldValue.Len(); j++ {
				fieldValue.Index(j).SetUint(uint64(b[at]))
				at++
			}
		case field.Type.Kind() == reflect.Uint8:
			fieldValue.SetUint(uint64(b[at]))
			at++
		case field.Type.Kind() == reflect.Uint16:
			fieldValue.SetUint(uint64(bo.Uint16(b[at:])))
			at += 2
		case field.Type.Kind() == reflect.Uint32:
			fieldValue.SetUint(uint64(bo.Uint32(b[at:])))
			at += 4
		case field.Type.Kind() == reflect.Uint64:
			fieldValue.SetUint(bo.Uint64(b[at:]))
			at += 8
		default:
			return 0, fmt.Errorf("unsupported data type %s for field %q (index %d)",
				field.Type, field.Name, i)
		}
	}

	return at, nil
}

// Size returns the encoded size of struct s.
func Size(s interface{}) (int, error) {
	t := reflect.TypeOf(s)
	if t == nil {
		return 0, errors.New("struct is nil")
	}

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return 0, fmt.Errorf("expected a struct - got %s", t)
	}

	size := 0

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		switch {
		case isByteArray(field.Type):
			size += field.Type.Len()
		case field.Type.Kind() == reflect.Uint8,
			field.Type.Kind() == reflect.Uint16,
			field.Type.Kind() == reflect.Uint32,
			field.Type.Kind() == reflect.Uint64:
			size += int(field.Type.Size())
		default:
			return 0, fmt.Errorf("cannot size field %q of type %s", field.Name, field.Type)
		}
	}

	return size, nil
}

func isByteArray(t reflect.Type) bool {
	return t.Kind() == reflect.Array && t.Elem().Kind() == reflect.Uint8
}
