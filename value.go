package dbus

import (
	"fmt"
	"os"

	"github.com/busline/dbus/fragments"
)

// ReadValue decodes one value whose wire encoding is described by sig,
// which must be a single complete type.
//
// The dynamic representation is: Go native types for basic values,
// [ObjectPath] for 'o', [Signature] for 'g', [fragments.HandleRef] for
// 'h', []any for arrays and structs, map[any]any for arrays of dict
// entries, and [Variant] for 'v'.
func ReadValue(r *fragments.Reader, sig Signature) (any, error) {
	tok, rest, err := TryRead(string(sig))
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w: %q: ReadValue requires a single complete type", ErrInvalidSignature, sig)
	}
	return readToken(r, tok)
}

// ReadBody decodes every top-level value of sig from r, in order. This
// is the shape of a message body: zero or more complete types
// concatenated.
func ReadBody(r *fragments.Reader, sig Signature) ([]any, error) {
	var ret []any
	rest := string(sig)
	for rest != "" {
		tok, next, err := TryRead(rest)
		if err != nil {
			return nil, err
		}
		v, err := readToken(r, tok)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
		rest = next
	}
	return ret, nil
}

func readToken(r *fragments.Reader, tok Token) (any, error) {
	switch tok.Code {
	case TypeByte:
		return r.Uint8()
	case TypeBool:
		return r.Bool()
	case TypeInt16:
		return r.Int16()
	case TypeUint16:
		return r.Uint16()
	case TypeInt32:
		return r.Int32()
	case TypeUint32:
		return r.Uint32()
	case TypeInt64:
		return r.Int64()
	case TypeUint64:
		return r.Uint64()
	case TypeFloat64:
		return r.Float64()
	case TypeString:
		return r.String()
	case TypeObjectPath:
		s, err := r.String()
		return ObjectPath(s), err
	case TypeSignature:
		s, err := r.Signature()
		return Signature(s), err
	case TypeUnixFD:
		return r.Handle(false)
	case TypeVariant:
		vs, err := r.Signature()
		if err != nil {
			return nil, err
		}
		v, err := ReadValue(r, Signature(vs))
		if err != nil {
			return nil, err
		}
		return Variant{Sig: Signature(vs), Value: v}, nil
	case TypeArray:
		if tok.Inner[0] == TypeDictEntry {
			return readDict(r, tok.Inner)
		}
		ae, err := r.ReadArrayStart(AlignmentOf(tok.Inner[0]))
		if err != nil {
			return nil, err
		}
		elems := []any{}
		for {
			ok, err := r.HasNext(ae)
			if err != nil {
				return nil, err
			}
			if !ok {
				return elems, nil
			}
			v, err := ReadValue(r, Signature(tok.Inner))
			if err != nil {
				return nil, err
			}
			elems = append(elems, v)
		}
	case TypeStruct:
		if err := r.Struct(); err != nil {
			return nil, err
		}
		fields := []any{}
		for t, err := range Signature(tok.Inner).Tokens() {
			if err != nil {
				return nil, err
			}
			v, err := readToken(r, t)
			if err != nil {
				return nil, err
			}
			fields = append(fields, v)
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("%w: cannot decode type code %q", ErrInvalidSignature, string(tok.Code))
	}
}

func readDict(r *fragments.Reader, entrySig string) (map[any]any, error) {
	inner := entrySig[1 : len(entrySig)-1]
	keySig, valSig := Signature(inner[:1]), Signature(inner[1:])
	ae, err := r.ReadArrayStart(8)
	if err != nil {
		return nil, err
	}
	ret := map[any]any{}
	for {
		ok, err := r.HasNext(ae)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ret, nil
		}
		if err := r.Struct(); err != nil {
			return nil, err
		}
		k, err := ReadValue(r, keySig)
		if err != nil {
			return nil, err
		}
		v, err := ReadValue(r, valSig)
		if err != nil {
			return nil, err
		}
		ret[k] = v
	}
}

// WriteValue encodes v into w as the single complete type sig. The
// accepted Go shapes mirror [ReadValue]'s output, with a few
// conveniences: 'o' and 'g' accept plain strings, "ay" accepts []byte,
// and 'h' accepts an *os.File directly.
func WriteValue(w *fragments.Writer, sig Signature, v any) error {
	tok, rest, err := TryRead(string(sig))
	if err != nil {
		return err
	}
	if rest != "" {
		return typeErr(sig, fmt.Errorf("WriteValue requires a single complete type"))
	}
	return writeToken(w, sig, tok, v)
}

// WriteBody encodes vals as the concatenation of sig's top-level types,
// in order. len(vals) must equal the number of types in sig.
func WriteBody(w *fragments.Writer, sig Signature, vals ...any) error {
	rest := string(sig)
	for i := 0; ; i++ {
		if rest == "" {
			if i != len(vals) {
				return typeErr(sig, fmt.Errorf("%d values for %d types", len(vals), i))
			}
			return nil
		}
		if i >= len(vals) {
			return typeErr(sig, fmt.Errorf("%d values for a longer signature", len(vals)))
		}
		tok, next, err := TryRead(rest)
		if err != nil {
			return err
		}
		if err := writeToken(w, Signature(rest[:len(rest)-len(next)]), tok, vals[i]); err != nil {
			return err
		}
		rest = next
	}
}

func typeErr(sig Signature, reason error) error {
	return &TypeError{Signature: string(sig), Reason: reason}
}

func writeToken(w *fragments.Writer, sig Signature, tok Token, v any) error {
	mismatch := func() error {
		return typeErr(sig, fmt.Errorf("cannot encode %T as %q", v, string(tok.Code)))
	}
	switch tok.Code {
	case TypeByte:
		u, ok := v.(uint8)
		if !ok {
			return mismatch()
		}
		w.Uint8(u)
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		w.Bool(b)
	case TypeInt16:
		i, ok := v.(int16)
		if !ok {
			return mismatch()
		}
		w.Int16(i)
	case TypeUint16:
		u, ok := v.(uint16)
		if !ok {
			return mismatch()
		}
		w.Uint16(u)
	case TypeInt32:
		i, ok := v.(int32)
		if !ok {
			return mismatch()
		}
		w.Int32(i)
	case TypeUint32:
		u, ok := v.(uint32)
		if !ok {
			return mismatch()
		}
		w.Uint32(u)
	case TypeInt64:
		i, ok := v.(int64)
		if !ok {
			return mismatch()
		}
		w.Int64(i)
	case TypeUint64:
		u, ok := v.(uint64)
		if !ok {
			return mismatch()
		}
		w.Uint64(u)
	case TypeFloat64:
		f, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		w.Float64(f)
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return mismatch()
		}
		w.String(s)
	case TypeObjectPath:
		switch p := v.(type) {
		case ObjectPath:
			w.String(string(p))
		case string:
			w.String(p)
		default:
			return mismatch()
		}
	case TypeSignature:
		switch s := v.(type) {
		case Signature:
			w.Signature(string(s))
		case string:
			w.Signature(s)
		default:
			return mismatch()
		}
	case TypeUnixFD:
		switch f := v.(type) {
		case *os.File:
			w.WriteHandle(f)
		case fragments.HandleRef:
			w.WriteHandle(f.File)
		default:
			return mismatch()
		}
	case TypeVariant:
		vv, ok := v.(Variant)
		if !ok {
			return mismatch()
		}
		w.Signature(string(vv.Sig))
		return WriteValue(w, vv.Sig, vv.Value)
	case TypeArray:
		return writeArray(w, sig, tok, v)
	case TypeStruct:
		fields, ok := v.([]any)
		if !ok {
			return mismatch()
		}
		w.Struct()
		i := 0
		for t, err := range Signature(tok.Inner).Tokens() {
			if err != nil {
				return err
			}
			if i >= len(fields) {
				return typeErr(sig, fmt.Errorf("struct value has %d fields, signature wants more", len(fields)))
			}
			if err := writeToken(w, Signature(t.wire()), t, fields[i]); err != nil {
				return err
			}
			i++
		}
		if i != len(fields) {
			return typeErr(sig, fmt.Errorf("struct value has %d fields, signature wants %d", len(fields), i))
		}
	default:
		return typeErr(sig, fmt.Errorf("cannot encode type code %q", string(tok.Code)))
	}
	return nil
}

// wire reconstructs the signature text of a token.
func (t Token) wire() string {
	switch t.Code {
	case TypeArray:
		return "a" + t.Inner
	case TypeStruct:
		return "(" + t.Inner + ")"
	default:
		return string(t.Code)
	}
}

func writeArray(w *fragments.Writer, sig Signature, tok Token, v any) error {
	if tok.Inner[0] == TypeDictEntry {
		m, ok := v.(map[any]any)
		if !ok {
			return typeErr(sig, fmt.Errorf("cannot encode %T as a dict", v))
		}
		inner := tok.Inner[1 : len(tok.Inner)-1]
		keySig, valSig := Signature(inner[:1]), Signature(inner[1:])
		arr := w.WriteArrayStart(8)
		for k, val := range m {
			w.Struct()
			if err := WriteValue(w, keySig, k); err != nil {
				return err
			}
			if err := WriteValue(w, valSig, val); err != nil {
				return err
			}
		}
		w.WriteArrayEnd(arr)
		return nil
	}
	if bs, ok := v.([]byte); ok && tok.Inner == string(TypeByte) {
		arr := w.WriteArrayStart(1)
		w.Write(bs)
		w.WriteArrayEnd(arr)
		return nil
	}
	elems, ok := v.([]any)
	if !ok {
		return typeErr(sig, fmt.Errorf("cannot encode %T as an array", v))
	}
	arr := w.WriteArrayStart(AlignmentOf(tok.Inner[0]))
	for _, e := range elems {
		if err := WriteValue(w, Signature(tok.Inner), e); err != nil {
			return err
		}
	}
	w.WriteArrayEnd(arr)
	return nil
}
