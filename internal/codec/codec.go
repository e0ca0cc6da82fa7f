// Package codec is the stream contract for persisted state: an opaque
// element/attribute encoder-decoder pair plus the function-level marshal
// routines. The reference implementation is a compact self-describing
// binary form; the element and attribute names are the stable surface.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/tinyrange/decomp/internal/diag"
)

// Element and attribute names carried verbatim for compatibility.
const (
	ElemFunction      = "function"
	ElemLocalDB       = "localdb"
	ElemPrototype     = "prototype"
	ElemJumpTableList = "jumptablelist"
	ElemJumpTable     = "jumptable"
	ElemAST           = "ast"
	ElemVarnodes      = "varnodes"
	ElemBlock         = "block"
	ElemBlockEdge     = "blockedge"
	ElemHighList      = "highlist"
	ElemType          = "type"
	ElemTypeRef       = "typeref"
	ElemDef           = "def"
	ElemSymbolTable   = "symbol_table"
	ElemScope         = "scope"
	ElemAddr          = "addr"
	ElemTarget        = "target"
	ElemOp            = "op"
	ElemInput         = "input"
	ElemOutput        = "output"
	ElemUseropHead    = "userop_head"
	ElemValueSymHead  = "value_sym_head"
	ElemSubtableHead  = "subtable_sym_head"

	AttrID         = "id"
	AttrName       = "name"
	AttrSize       = "size"
	AttrMetatype   = "metatype"
	AttrCore       = "core"
	AttrVarlength  = "varlength"
	AttrFormat     = "format"
	AttrLabel      = "label"
	AttrNocode     = "nocode"
	AttrScopeSize  = "scopesize"
	AttrSymbolSize = "symbolsize"
	AttrSpace      = "space"
	AttrOffset     = "offset"
	AttrCode       = "code"
	AttrIndex      = "index"
	AttrEnd        = "end"
	AttrDefault    = "default"
	AttrStage      = "stage"
)

// Encoder writes a stream of nested elements with attributes.
type Encoder interface {
	OpenElement(name string)
	CloseElement(name string)
	WriteString(attr, val string)
	WriteUint(attr string, val uint64)
	WriteBool(attr string, val bool)
}

// Decoder reads the stream back. PeekElement reports the next element name
// without consuming it; attributes of the open element are read by name.
type Decoder interface {
	OpenElement() (string, error)
	PeekElement() (string, bool)
	CloseElement(name string) error
	ReadString(attr string) (string, bool)
	ReadUint(attr string) (uint64, bool)
	ReadBool(attr string) bool
}

const (
	tagOpen  = 0x01
	tagClose = 0x02
	tagAttr  = 0x03
)

// PackedEncoder is the reference binary Encoder.
type PackedEncoder struct {
	buf bytes.Buffer
}

// NewPackedEncoder creates an empty encoder.
func NewPackedEncoder() *PackedEncoder { return &PackedEncoder{} }

// Bytes returns the encoded stream.
func (e *PackedEncoder) Bytes() []byte { return e.buf.Bytes() }

func (e *PackedEncoder) str(s string) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	e.buf.Write(tmp[:n])
	e.buf.WriteString(s)
}

// OpenElement implements Encoder.
func (e *PackedEncoder) OpenElement(name string) {
	e.buf.WriteByte(tagOpen)
	e.str(name)
}

// CloseElement implements Encoder.
func (e *PackedEncoder) CloseElement(name string) {
	e.buf.WriteByte(tagClose)
	e.str(name)
}

// WriteString implements Encoder.
func (e *PackedEncoder) WriteString(attr, val string) {
	e.buf.WriteByte(tagAttr)
	e.str(attr)
	e.str(val)
}

// WriteUint implements Encoder.
func (e *PackedEncoder) WriteUint(attr string, val uint64) {
	e.WriteString(attr, fmt.Sprintf("%#x", val))
}

// WriteBool implements Encoder.
func (e *PackedEncoder) WriteBool(attr string, val bool) {
	if val {
		e.WriteString(attr, "true")
	} else {
		e.WriteString(attr, "false")
	}
}

// PackedDecoder decodes the reference binary form.
type PackedDecoder struct {
	r *bytes.Reader
	// attrs of the currently open element.
	attrs map[string]string
	// peeked element name.
	peeked  string
	hasPeek bool
}

// NewPackedDecoder wraps an encoded stream.
func NewPackedDecoder(data []byte) *PackedDecoder {
	return &PackedDecoder{r: bytes.NewReader(data)}
}

func (d *PackedDecoder) rstr() (string, error) {
	n, err := binary.ReadUvarint(d.r)
	if err != nil {
		return "", fmt.Errorf("codec: truncated string: %w", diag.ErrParse)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", fmt.Errorf("codec: truncated string body: %w", diag.ErrParse)
	}
	return string(buf), nil
}

// PeekElement implements Decoder.
func (d *PackedDecoder) PeekElement() (string, bool) {
	if d.hasPeek {
		return d.peeked, true
	}
	tag, err := d.r.ReadByte()
	if err != nil {
		return "", false
	}
	if tag != tagOpen {
		d.r.UnreadByte()
		return "", false
	}
	name, err := d.rstr()
	if err != nil {
		return "", false
	}
	d.peeked = name
	d.hasPeek = true
	return name, true
}

// OpenElement implements Decoder: consumes the element open tag and all of
// its leading attributes.
func (d *PackedDecoder) OpenElement() (string, error) {
	var name string
	if d.hasPeek {
		name = d.peeked
		d.hasPeek = false
	} else {
		tag, err := d.r.ReadByte()
		if err != nil || tag != tagOpen {
			return "", fmt.Errorf("codec: expected element open: %w", diag.ErrParse)
		}
		if name, err = d.rstr(); err != nil {
			return "", err
		}
	}
	d.attrs = make(map[string]string)
	for {
		tag, err := d.r.ReadByte()
		if err != nil {
			return name, nil
		}
		if tag != tagAttr {
			d.r.UnreadByte()
			return name, nil
		}
		k, err := d.rstr()
		if err != nil {
			return "", err
		}
		v, err := d.rstr()
		if err != nil {
			return "", err
		}
		d.attrs[k] = v
	}
}

// CloseElement implements Decoder.
func (d *PackedDecoder) CloseElement(name string) error {
	if d.hasPeek {
		return fmt.Errorf("codec: close %q with unconsumed element %q: %w", name, d.peeked, diag.ErrParse)
	}
	tag, err := d.r.ReadByte()
	if err != nil || tag != tagClose {
		return fmt.Errorf("codec: expected close of %q: %w", name, diag.ErrParse)
	}
	got, err := d.rstr()
	if err != nil {
		return err
	}
	if got != name {
		return fmt.Errorf("codec: close mismatch %q != %q: %w", got, name, diag.ErrParse)
	}
	return nil
}

// ReadString implements Decoder.
func (d *PackedDecoder) ReadString(attr string) (string, bool) {
	v, ok := d.attrs[attr]
	return v, ok
}

// ReadUint implements Decoder.
func (d *PackedDecoder) ReadUint(attr string) (uint64, bool) {
	v, ok := d.attrs[attr]
	if !ok {
		return 0, false
	}
	out, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, false
	}
	return out, true
}

// ReadBool implements Decoder.
func (d *PackedDecoder) ReadBool(attr string) bool {
	return d.attrs[attr] == "true"
}

var (
	_ Encoder = (*PackedEncoder)(nil)
	_ Decoder = (*PackedDecoder)(nil)
)
