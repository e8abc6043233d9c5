package saga

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/google/uuid"
)

// Kind is the value type of a correlation property.
type Kind int

const (
	KindUnsupported Kind = iota
	KindString
	KindUUID
	KindInt16
	KindInt32
	KindInt64
	KindUint16
	KindUint32
	KindUint64
)

// AllowedKinds lists the value types a correlation property may have.
var AllowedKinds = []Kind{
	KindString,
	KindUUID,
	KindInt16,
	KindInt32,
	KindInt64,
	KindUint16,
	KindUint32,
	KindUint64,
}

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindUUID:
		return "uuid.UUID"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	default:
		return "unsupported"
	}
}

// Allowed reports whether k may be used for correlation.
func (k Kind) Allowed() bool {
	return k != KindUnsupported
}

// kindOf classifies the declared type V. Named types such as
// "type OrderID string" are unsupported; only the exact types are allowed.
func kindOf[V any]() Kind {
	var zero V
	switch any(zero).(type) {
	case string:
		return KindString
	case uuid.UUID:
		return KindUUID
	case int16:
		return KindInt16
	case int32:
		return KindInt32
	case int64:
		return KindInt64
	case uint16:
		return KindUint16
	case uint32:
		return KindUint32
	case uint64:
		return KindUint64
	default:
		return KindUnsupported
	}
}

func typeName[V any]() string {
	return reflect.TypeFor[V]().String()
}

// EncodeValue renders a correlation value in its canonical string form, the
// form persisters compare on.
func EncodeValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case uuid.UUID:
		return val.String(), nil
	case int16:
		return strconv.FormatInt(int64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint16:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	default:
		return "", fmt.Errorf("unsupported correlation value type %T", v)
	}
}
