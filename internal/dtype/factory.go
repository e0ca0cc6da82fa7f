package dtype

import (
	"fmt"
	"sync"
)

// Factory is the type-database lookup contract the engine consumes. All
// lookups are deterministic and side-effect-free within an analysis pass.
type Factory interface {
	// Base returns the canonical type of the given byte size and metatype.
	Base(size int, meta Meta) *DataType
	// Pointer returns a pointer of the given size to el, scaled by the
	// addressable word size.
	Pointer(size int, el *DataType, wordSize int) *DataType
	// TypedefResolve strips one typedef layer, nil when dt is not a typedef.
	TypedefResolve(dt *DataType) *DataType
	// ExactPiece returns the component of a composite occupying exactly
	// [off, off+size), or nil when no component lines up.
	ExactPiece(composite *DataType, off, size int) *DataType
}

// DB is the concrete in-memory type database.
type DB struct {
	mu      sync.Mutex
	nextID  uint64
	base    map[baseKey]*DataType
	ptr     map[ptrKey]*DataType
	partial map[partKey]*DataType
	byName  map[string]*DataType
}

type baseKey struct {
	size int
	meta Meta
}

type ptrKey struct {
	size     int
	el       *DataType
	wordSize int
}

type partKey struct {
	parent *DataType
	off    int
	size   int
}

// NewDB creates an empty type database.
func NewDB() *DB {
	return &DB{
		base:    make(map[baseKey]*DataType),
		ptr:     make(map[ptrKey]*DataType),
		partial: make(map[partKey]*DataType),
		byName:  make(map[string]*DataType),
	}
}

func (db *DB) intern(dt *DataType) *DataType {
	db.nextID++
	dt.ID = db.nextID
	if dt.Name != "" {
		db.byName[dt.Name] = dt
	}
	return dt
}

func baseName(size int, meta Meta) string {
	switch meta {
	case MetaVoid:
		return "void"
	case MetaBool:
		return "bool"
	case MetaCode:
		return "code"
	case MetaInt:
		switch size {
		case 1:
			return "char"
		case 2:
			return "short"
		case 4:
			return "int"
		case 8:
			return "long"
		}
	case MetaUint:
		switch size {
		case 1:
			return "uchar"
		case 2:
			return "ushort"
		case 4:
			return "uint"
		case 8:
			return "ulong"
		}
	case MetaFloat:
		switch size {
		case 4:
			return "float"
		case 8:
			return "double"
		case 10:
			return "longdouble"
		}
	}
	return fmt.Sprintf("%s%d", meta, size)
}

// Base implements Factory.
func (db *DB) Base(size int, meta Meta) *DataType {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := baseKey{size, meta}
	if dt, ok := db.base[k]; ok {
		return dt
	}
	dt := db.intern(&DataType{Name: baseName(size, meta), Size: size, Meta: meta})
	db.base[k] = dt
	return dt
}

// Pointer implements Factory.
func (db *DB) Pointer(size int, el *DataType, wordSize int) *DataType {
	db.mu.Lock()
	defer db.mu.Unlock()
	if wordSize == 0 {
		wordSize = 1
	}
	k := ptrKey{size, el, wordSize}
	if dt, ok := db.ptr[k]; ok {
		return dt
	}
	dt := db.intern(&DataType{
		Name:     el.Name + " *",
		Size:     size,
		Meta:     MetaPtr,
		Element:  el,
		WordSize: wordSize,
	})
	db.ptr[k] = dt
	return dt
}

// TypedefResolve implements Factory. The in-memory database does not model
// typedef chains, so this always reports "not a typedef".
func (db *DB) TypedefResolve(dt *DataType) *DataType { return nil }

// ExactPiece implements Factory.
func (db *DB) ExactPiece(composite *DataType, off, size int) *DataType {
	if composite == nil {
		return nil
	}
	switch composite.Meta {
	case MetaStruct, MetaArray:
		if f := composite.FieldAt(off, size); f != nil {
			if f.Offset == off && f.Type.Size == size {
				return f.Type
			}
			return db.ExactPiece(f.Type, off-f.Offset, size)
		}
	case MetaUnion:
		// A piece of a union stays a partial union until an edge resolves
		// the field.
		if off == 0 && size == composite.Size {
			return composite
		}
		return db.PartialUnion(composite, off, size)
	}
	return nil
}

// PartialUnion returns the truncated view [off, off+size) of a union type.
func (db *DB) PartialUnion(parent *DataType, off, size int) *DataType {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := partKey{parent, off, size}
	if dt, ok := db.partial[k]; ok {
		return dt
	}
	dt := db.intern(&DataType{
		Name:    fmt.Sprintf("%s+%d.%d", parent.Name, off, size),
		Size:    size,
		Meta:    MetaPartialUnion,
		Element: parent,
		Offset:  off,
	})
	db.partial[k] = dt
	return dt
}

// Struct creates and interns a named struct type.
func (db *DB) Struct(name string, fields []Field) *DataType {
	db.mu.Lock()
	defer db.mu.Unlock()
	size := 0
	for _, f := range fields {
		if end := f.Offset + f.Type.Size; end > size {
			size = end
		}
	}
	return db.intern(&DataType{Name: name, Size: size, Meta: MetaStruct, Fields: fields})
}

// Union creates and interns a named union type.
func (db *DB) Union(name string, fields []Field) *DataType {
	db.mu.Lock()
	defer db.mu.Unlock()
	size := 0
	for _, f := range fields {
		if f.Type.Size > size {
			size = f.Type.Size
		}
	}
	return db.intern(&DataType{Name: name, Size: size, Meta: MetaUnion, Fields: fields})
}

// Array creates and interns an array type.
func (db *DB) Array(el *DataType, n int) *DataType {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.intern(&DataType{
		Name:     fmt.Sprintf("%s[%d]", el.Name, n),
		Size:     el.Size * n,
		Meta:     MetaArray,
		Element:  el,
		ArrayLen: n,
	})
}

// ByName returns a previously created named type, nil if absent.
func (db *DB) ByName(name string) *DataType {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.byName[name]
}

var _ Factory = (*DB)(nil)
