package dbus

import (
	"errors"
	"fmt"
	"iter"
)

// Type codes for the DBus basic types, as defined by the DBus
// specification.
const (
	TypeByte       = byte('y')
	TypeBool       = byte('b')
	TypeInt16      = byte('n')
	TypeUint16     = byte('q')
	TypeInt32      = byte('i')
	TypeUint32     = byte('u')
	TypeInt64      = byte('x')
	TypeUint64     = byte('t')
	TypeFloat64    = byte('d')
	TypeString     = byte('s')
	TypeObjectPath = byte('o')
	TypeSignature  = byte('g')
	TypeUnixFD     = byte('h')

	TypeVariant   = byte('v')
	TypeArray     = byte('a')
	TypeStruct    = byte('(')
	structEnd     = byte(')')
	TypeDictEntry = byte('{')
	dictEntryEnd  = byte('}')
)

// ErrInvalidSignature is the sentinel wrapped by every error returned
// while parsing or validating a malformed DBus type signature.
var ErrInvalidSignature = errors.New("invalid DBus type signature")

func isBasicCode(c byte) bool {
	switch c {
	case TypeByte, TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeFloat64, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD:
		return true
	default:
		return false
	}
}

// AlignmentOf returns the natural alignment, in bytes, of the DBus value
// whose signature starts with code. Structs and dict entries always
// align to 8; variants align to 1 (the embedded signature determines the
// alignment of what follows it); arrays align to 4, the alignment of
// their length prefix (the element type's own alignment applies
// separately, to the first element).
func AlignmentOf(code byte) int {
	switch code {
	case TypeByte, TypeSignature:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBool, TypeInt32, TypeUint32, TypeUnixFD, TypeString, TypeObjectPath, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeStruct, TypeDictEntry:
		return 8
	case TypeVariant:
		return 1
	default:
		return 1
	}
}

// FixedSize returns the wire size in bytes of a fixed-width basic type,
// and whether code names one. Strings, signatures, arrays, structs,
// dict entries and variants are not fixed-width and report ok=false.
func FixedSize(code byte) (size int, ok bool) {
	switch code {
	case TypeByte:
		return 1, true
	case TypeInt16, TypeUint16:
		return 2, true
	case TypeBool, TypeInt32, TypeUint32, TypeUnixFD:
		return 4, true
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8, true
	default:
		return 0, false
	}
}

// A Token is one complete type read off the front of a signature by
// [TryRead].
//
// Inner is empty for basic types and variants. For an array ('a'), Inner
// is the element's signature. For a struct ('('), Inner is the
// concatenation of its field signatures. TryRead never yields a dict
// entry ('{') token: a dict entry only appears as the Inner of an array
// token, braces included (e.g. "{sv}" for "a{sv}").
type Token struct {
	Code  byte
	Inner string
}

// TryRead reads the next single complete type from the front of sig,
// returning the remaining, unread signature.
//
// TryRead validates as it goes: an unterminated container, a dict entry
// without exactly one basic key and one complete value, an array with no
// element type, or an unknown type code all produce an error wrapping
// [ErrInvalidSignature]. A dict-entry code found outside of an array is
// likewise rejected, since the grammar only allows '{' as an array
// element.
//
// TryRead carries no state beyond its argument: reading the same sig
// twice always produces the same result, and a caller may restart
// enumeration at any point by re-slicing the original string.
func TryRead(sig string) (tok Token, rest string, err error) {
	if sig == "" {
		return Token{}, "", errSignatureEOF
	}
	c := sig[0]
	if isBasicCode(c) {
		return Token{Code: c}, sig[1:], nil
	}
	switch c {
	case TypeVariant:
		return Token{Code: TypeVariant}, sig[1:], nil
	case TypeArray:
		if len(sig) < 2 {
			return Token{}, "", fmt.Errorf("%w: %q: array type code with no element type", ErrInvalidSignature, sig)
		}
		elem, rest, err := splitType(sig[1:])
		if err != nil {
			return Token{}, "", err
		}
		if elem[0] == TypeDictEntry {
			if err := validateDictEntry(elem); err != nil {
				return Token{}, "", err
			}
		} else if err := ValidateAll(elem); err != nil {
			return Token{}, "", err
		}
		return Token{Code: TypeArray, Inner: elem}, rest, nil
	case TypeStruct:
		inner, rest, err := splitBracket(sig, TypeStruct, structEnd)
		if err != nil {
			return Token{}, "", err
		}
		body := inner[1 : len(inner)-1]
		if body == "" {
			return Token{}, "", fmt.Errorf("%w: %q: struct with no fields", ErrInvalidSignature, sig)
		}
		if err := ValidateAll(body); err != nil {
			return Token{}, "", err
		}
		return Token{Code: TypeStruct, Inner: body}, rest, nil
	case TypeDictEntry:
		return Token{}, "", fmt.Errorf("%w: %q: dict entry type code found outside an array", ErrInvalidSignature, sig)
	default:
		return Token{}, "", fmt.Errorf("%w: %q: unknown type code %q", ErrInvalidSignature, sig, string(c))
	}
}

var errSignatureEOF = errors.New("end of signature")

// splitType extracts the raw text of exactly one complete type from the
// front of sig (without descending into its contents), and returns the
// remainder.
func splitType(sig string) (typ string, rest string, err error) {
	if sig == "" {
		return "", "", fmt.Errorf("%w: expected a type, got an empty signature", ErrInvalidSignature)
	}
	c := sig[0]
	if isBasicCode(c) || c == TypeVariant {
		return sig[:1], sig[1:], nil
	}
	switch c {
	case TypeArray:
		if len(sig) < 2 {
			return "", "", fmt.Errorf("%w: %q: array type code with no element type", ErrInvalidSignature, sig)
		}
		_, rest, err := splitType(sig[1:])
		if err != nil {
			return "", "", err
		}
		return sig[:len(sig)-len(rest)], rest, nil
	case TypeStruct:
		return splitBracket(sig, TypeStruct, structEnd)
	case TypeDictEntry:
		return splitBracket(sig, TypeDictEntry, dictEntryEnd)
	default:
		return "", "", fmt.Errorf("%w: %q: unknown type code %q", ErrInvalidSignature, sig, string(c))
	}
}

// splitBracket extracts a balanced open/close bracketed run starting at
// sig[0] (which must be open), returning the bracketed text including
// both brackets, and the remainder of sig.
func splitBracket(sig string, open, close byte) (string, string, error) {
	depth := 0
	for i := 1; i < len(sig); i++ {
		switch sig[i] {
		case open:
			depth++
		case close:
			if depth == 0 {
				return sig[:i+1], sig[i+1:], nil
			}
			depth--
		}
	}
	return "", "", fmt.Errorf("%w: %q: unterminated %q", ErrInvalidSignature, sig, string(open))
}

// validateDictEntry checks that entrySig (a complete "{...}" run) has
// exactly one basic-typed key followed by exactly one complete value
// type, and that the value is not itself a dict entry (the grammar only
// allows dict entries directly inside an array).
func validateDictEntry(entrySig string) error {
	inner := entrySig[1 : len(entrySig)-1]
	if inner == "" {
		return fmt.Errorf("%w: %q: empty dict entry", ErrInvalidSignature, entrySig)
	}
	if !isBasicCode(inner[0]) {
		return fmt.Errorf("%w: %q: dict entry key must be a basic type, got %q", ErrInvalidSignature, entrySig, string(inner[0]))
	}
	valSig := inner[1:]
	if valSig == "" {
		return fmt.Errorf("%w: %q: dict entry missing a value type", ErrInvalidSignature, entrySig)
	}
	valType, rest, err := splitType(valSig)
	if err != nil {
		return err
	}
	if rest != "" {
		return fmt.Errorf("%w: %q: dict entry has more than one value type", ErrInvalidSignature, entrySig)
	}
	if valType[0] == TypeDictEntry {
		return fmt.Errorf("%w: %q: dict entry value cannot itself be a dict entry", ErrInvalidSignature, entrySig)
	}
	return ValidateAll(valType)
}

// ValidateAll reports whether sig is a syntactically valid concatenation
// of zero or more complete DBus types.
func ValidateAll(sig string) error {
	rest := sig
	for rest != "" {
		_, next, err := TryRead(rest)
		if err != nil {
			return err
		}
		rest = next
	}
	return nil
}

// A Signature is the DBus type signature string for a value or a method
// body: a concatenation of zero or more complete types.
type Signature string

// Validate reports whether s is syntactically valid.
func (s Signature) Validate() error {
	return ValidateAll(string(s))
}

// Tokens returns a single-pass iterator over s's top-level types. Each
// yielded error, if non-nil, reports a malformed signature and is always
// the last value the sequence yields.
func (s Signature) Tokens() iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		rest := string(s)
		for rest != "" {
			tok, next, err := TryRead(rest)
			if err != nil {
				yield(Token{}, err)
				return
			}
			if !yield(tok, nil) {
				return
			}
			rest = next
		}
	}
}

// FirstCode returns the type code of the signature's first top-level
// type, and true if s is non-empty and begins with a valid type.
func (s Signature) FirstCode() (byte, bool) {
	if s == "" {
		return 0, false
	}
	tok, _, err := TryRead(string(s))
	if err != nil {
		return 0, false
	}
	return tok.Code, true
}

// String returns the signature's wire string form.
func (s Signature) String() string { return string(s) }
