// Package dtype models the data-types the analysis engine attaches to value
// cells, and the factory contract through which the engine queries the type
// database. The factory here is a concrete in-memory database; the engine
// only depends on the lookup methods.
package dtype

import (
	"fmt"
)

// Meta classifies a data-type at the coarsest level. The order encodes
// propagation preference: lower metatypes are more specific and win when two
// types meet on a data-flow edge.
type Meta int

const (
	MetaVoid Meta = iota
	MetaPtr
	MetaFloat
	MetaCode
	MetaBool
	MetaInt
	MetaUint
	MetaUnknown
	MetaEnum
	MetaArray
	MetaStruct
	MetaUnion
	MetaPartialUnion
	MetaPartialStruct
)

func (m Meta) String() string {
	switch m {
	case MetaVoid:
		return "void"
	case MetaPtr:
		return "ptr"
	case MetaFloat:
		return "float"
	case MetaCode:
		return "code"
	case MetaBool:
		return "bool"
	case MetaInt:
		return "int"
	case MetaUint:
		return "uint"
	case MetaUnknown:
		return "unknown"
	case MetaEnum:
		return "enum"
	case MetaArray:
		return "array"
	case MetaStruct:
		return "struct"
	case MetaUnion:
		return "union"
	case MetaPartialUnion:
		return "partunion"
	case MetaPartialStruct:
		return "partstruct"
	}
	return "invalid"
}

// DataType is one node of the type graph. Types are immutable once created
// and interned by the Factory, so pointer equality is type equality for
// factory-produced types.
type DataType struct {
	ID   uint64
	Name string
	Size int
	Meta Meta

	// Pointer/array element, typedef target, or partial-union parent.
	Element *DataType
	// WordSize for pointers: addressable-unit scaling.
	WordSize int
	// Fields of a struct or union, offset-ordered (union offsets all 0).
	Fields []Field
	// Offset of a partial view into Element.
	Offset int
	// ArrayLen for arrays.
	ArrayLen int
}

// Field is a named component of a composite.
type Field struct {
	Name   string
	Offset int
	Type   *DataType
}

func (dt *DataType) String() string { return dt.Name }

// IsComposite reports whether the type has addressable components.
func (dt *DataType) IsComposite() bool {
	return dt.Meta == MetaStruct || dt.Meta == MetaUnion || dt.Meta == MetaArray
}

// IsUnionView reports whether reads of the type require a union field
// resolution (a union or a partial view of one).
func (dt *DataType) IsUnionView() bool {
	return dt.Meta == MetaUnion || dt.Meta == MetaPartialUnion
}

// FieldAt returns the field covering [off, off+size) exactly or containing
// it, or nil. Unions have no unique field at an offset.
func (dt *DataType) FieldAt(off, size int) *Field {
	if dt.Meta == MetaStruct {
		for i := range dt.Fields {
			f := &dt.Fields[i]
			if off >= f.Offset && off+size <= f.Offset+f.Type.Size {
				return f
			}
		}
	}
	if dt.Meta == MetaArray && dt.Element != nil && dt.Element.Size > 0 {
		idx := off / dt.Element.Size
		if idx < dt.ArrayLen && off%dt.Element.Size+size <= dt.Element.Size {
			return &Field{Name: fmt.Sprintf("[%d]", idx), Offset: idx * dt.Element.Size, Type: dt.Element}
		}
	}
	return nil
}

// CompareSpecificity orders two types by how much information they carry;
// negative means a is the more specific. Used by propagation to decide
// whether a type may overwrite another.
func CompareSpecificity(a, b *DataType) int {
	if a == b {
		return 0
	}
	if a.Meta != b.Meta {
		if a.Meta < b.Meta {
			return -1
		}
		return 1
	}
	if a.Size != b.Size {
		if a.Size > b.Size {
			return -1
		}
		return 1
	}
	return 0
}
