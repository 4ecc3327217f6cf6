package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrUnsupportedValue is returned for argument values that are not primitives.
var ErrUnsupportedValue = errors.New("idempotency: argument must be a primitive value")

// Args is the argument set of an operation. Only strings, booleans, integers,
// floats, nil and fmt.Stringer values are accepted.
type Args map[string]any

// Derive returns "<action>:<hex sha256>" of the canonical encoding of args.
// Keys are sorted and every value is type-tagged, so insertion order never
// matters and "1" and 1 produce different keys.
func Derive(action string, args Args) (string, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(strconv.Quote(action))
	for _, k := range keys {
		v, err := encode(args[k])
		if err != nil {
			return "", fmt.Errorf("%w: %q is %T", ErrUnsupportedValue, k, args[k])
		}
		b.WriteByte('\n')
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(v)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return action + ":" + hex.EncodeToString(sum[:]), nil
}

// DeriveKey is Derive for arguments known at compile time to be primitive.
// It panics on unsupported values.
func DeriveKey(action string, args Args) string {
	key, err := Derive(action, args)
	if err != nil {
		panic(err)
	}
	return key
}

func encode(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "n:", nil
	case string:
		return "s:" + strconv.Quote(x), nil
	case bool:
		return "b:" + strconv.FormatBool(x), nil
	case int:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int8:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int16:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int32:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int64:
		return "i:" + strconv.FormatInt(x, 10), nil
	case uint:
		return "i:" + strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return "i:" + strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return "i:" + strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return "i:" + strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return "i:" + strconv.FormatUint(x, 10), nil
	case uintptr:
		return "i:" + strconv.FormatUint(uint64(x), 10), nil
	case float32:
		return "f:" + strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64), nil
	case fmt.Stringer:
		return "s:" + strconv.Quote(x.String()), nil
	default:
		return "", ErrUnsupportedValue
	}
}
