package yjs

import "fmt"

// Content ref tags as written in the struct info byte (lower five bits).
const (
	refGC          = 0
	refDeleted     = 1
	refJSON        = 2
	refBinary      = 3
	refString      = 4
	refEmbed       = 5
	refFormat      = 6
	refType        = 7
	refAny         = 8
	refDoc         = 9
	refSkip        = 10
)

// Content is the payload of an integrated Item. Implementations mirror the
// Yjs content classes for the v1 update encoding.
type Content interface {
	// Len is the logical length the content occupies in its parent sequence.
	Len() uint64
	// Countable reports whether the content contributes to index positions.
	Countable() bool
	// Ref returns the wire tag for the info byte.
	Ref() uint8
	// Splice splits the content at offset, mutating the receiver to keep
	// [0, offset) and returning the remainder.
	Splice(offset uint64) Content
	// Write encodes the content. offset skips the first entries when an item
	// is encoded partially (state-vector diff straddling the item).
	Write(e *Encoder, offset uint64)
}

// ContentDeleted is a tombstone for n deleted sequence positions.
type ContentDeleted struct{ Length uint64 }

func (c *ContentDeleted) Len() uint64     { return c.Length }
func (c *ContentDeleted) Countable() bool { return false }
func (c *ContentDeleted) Ref() uint8      { return refDeleted }
func (c *ContentDeleted) Splice(offset uint64) Content {
	right := &ContentDeleted{Length: c.Length - offset}
	c.Length = offset
	return right
}
func (c *ContentDeleted) Write(e *Encoder, offset uint64) {
	e.WriteVarUint(c.Length - offset)
}

// ContentJSON holds JSON-stringified values (legacy Yjs encoding).
type ContentJSON struct{ Values []string }

func (c *ContentJSON) Len() uint64     { return uint64(len(c.Values)) }
func (c *ContentJSON) Countable() bool { return true }
func (c *ContentJSON) Ref() uint8      { return refJSON }
func (c *ContentJSON) Splice(offset uint64) Content {
	right := &ContentJSON{Values: c.Values[offset:]}
	c.Values = c.Values[:offset]
	return right
}
func (c *ContentJSON) Write(e *Encoder, offset uint64) {
	vals := c.Values[offset:]
	e.WriteVarUint(uint64(len(vals)))
	for _, v := range vals {
		e.WriteVarString(v)
	}
}

// ContentBinary holds one opaque byte blob (length 1 in the sequence).
type ContentBinary struct{ Data []byte }

func (c *ContentBinary) Len() uint64                  { return 1 }
func (c *ContentBinary) Countable() bool              { return true }
func (c *ContentBinary) Ref() uint8                   { return refBinary }
func (c *ContentBinary) Splice(offset uint64) Content { panic("yjs: ContentBinary is not spliceable") }
func (c *ContentBinary) Write(e *Encoder, offset uint64) {
	e.WriteVarUint8Array(c.Data)
}

// ContentString holds a run of text. Length is counted in UTF-16 code units
// to stay index-compatible with the JavaScript reference implementation.
type ContentString struct{ Str []rune }

func (c *ContentString) Len() uint64 {
	var n uint64
	for _, r := range c.Str {
		if r > 0xffff {
			n += 2
		} else {
			n++
		}
	}
	return n
}
func (c *ContentString) Countable() bool { return true }
func (c *ContentString) Ref() uint8      { return refString }
func (c *ContentString) Splice(offset uint64) Content {
	idx := c.runeIndexAt(offset)
	right := &ContentString{Str: append([]rune(nil), c.Str[idx:]...)}
	c.Str = c.Str[:idx]
	return right
}
func (c *ContentString) Write(e *Encoder, offset uint64) {
	e.WriteVarString(string(c.Str[c.runeIndexAt(offset):]))
}

// runeIndexAt converts a UTF-16 offset into a rune index.
func (c *ContentString) runeIndexAt(offset uint64) int {
	var seen uint64
	for i, r := range c.Str {
		if seen >= offset {
			return i
		}
		if r > 0xffff {
			seen += 2
		} else {
			seen++
		}
	}
	return len(c.Str)
}

// ContentEmbed holds a single embedded JSON value.
type ContentEmbed struct{ JSON string }

func (c *ContentEmbed) Len() uint64                  { return 1 }
func (c *ContentEmbed) Countable() bool              { return true }
func (c *ContentEmbed) Ref() uint8                   { return refEmbed }
func (c *ContentEmbed) Splice(offset uint64) Content { panic("yjs: ContentEmbed is not spliceable") }
func (c *ContentEmbed) Write(e *Encoder, offset uint64) {
	e.WriteVarString(c.JSON)
}

// ContentFormat is a rich-text formatting marker (bold, italic, ...). It has
// zero countable length.
type ContentFormat struct {
	Key   string
	Value string // JSON encoded
}

func (c *ContentFormat) Len() uint64                  { return 1 }
func (c *ContentFormat) Countable() bool              { return false }
func (c *ContentFormat) Ref() uint8                   { return refFormat }
func (c *ContentFormat) Splice(offset uint64) Content { panic("yjs: ContentFormat is not spliceable") }
func (c *ContentFormat) Write(e *Encoder, offset uint64) {
	e.WriteVarString(c.Key)
	e.WriteVarString(c.Value)
}

// Type refs for ContentType.
const (
	typeRefArray    = 0
	typeRefMap      = 1
	typeRefText     = 2
	typeRefXMLElem  = 3
	typeRefXMLFrag  = 4
	typeRefXMLHook  = 5
	typeRefXMLText  = 6
)

// ContentType embeds a nested shared type.
type ContentType struct {
	TypeRef uint64
	Name    string // element name / hook key for XML refs
	Type    *Type
}

func (c *ContentType) Len() uint64                  { return 1 }
func (c *ContentType) Countable() bool              { return true }
func (c *ContentType) Ref() uint8                   { return refType }
func (c *ContentType) Splice(offset uint64) Content { panic("yjs: ContentType is not spliceable") }
func (c *ContentType) Write(e *Encoder, offset uint64) {
	e.WriteVarUint(c.TypeRef)
	if c.TypeRef == typeRefXMLElem || c.TypeRef == typeRefXMLHook {
		e.WriteVarString(c.Name)
	}
}

// ContentAny holds a run of arbitrary lib0 "any" values.
type ContentAny struct{ Values []any }

func (c *ContentAny) Len() uint64     { return uint64(len(c.Values)) }
func (c *ContentAny) Countable() bool { return true }
func (c *ContentAny) Ref() uint8      { return refAny }
func (c *ContentAny) Splice(offset uint64) Content {
	right := &ContentAny{Values: c.Values[offset:]}
	c.Values = c.Values[:offset]
	return right
}
func (c *ContentAny) Write(e *Encoder, offset uint64) {
	vals := c.Values[offset:]
	e.WriteVarUint(uint64(len(vals)))
	for _, v := range vals {
		e.WriteAny(v)
	}
}

// ContentDoc references a subdocument by guid.
type ContentDoc struct {
	GUID string
	Opts any
}

func (c *ContentDoc) Len() uint64                  { return 1 }
func (c *ContentDoc) Countable() bool              { return true }
func (c *ContentDoc) Ref() uint8                   { return refDoc }
func (c *ContentDoc) Splice(offset uint64) Content { panic("yjs: ContentDoc is not spliceable") }
func (c *ContentDoc) Write(e *Encoder, offset uint64) {
	e.WriteVarString(c.GUID)
	e.WriteAny(c.Opts)
}

// readContent decodes a content payload for the given ref tag.
func readContent(d *Decoder, ref uint8) (Content, error) {
	switch ref {
	case refDeleted:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		return &ContentDeleted{Length: n}, nil
	case refJSON:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		vals := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := d.ReadVarString()
			if err != nil {
				return nil, err
			}
			vals = append(vals, s)
		}
		return &ContentJSON{Values: vals}, nil
	case refBinary:
		b, err := d.ReadVarUint8Array()
		if err != nil {
			return nil, err
		}
		data := make([]byte, len(b))
		copy(data, b)
		return &ContentBinary{Data: data}, nil
	case refString:
		s, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &ContentString{Str: []rune(s)}, nil
	case refEmbed:
		s, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &ContentEmbed{JSON: s}, nil
	case refFormat:
		key, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		val, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &ContentFormat{Key: key, Value: val}, nil
	case refType:
		typeRef, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		name := ""
		if typeRef == typeRefXMLElem || typeRef == typeRefXMLHook {
			name, err = d.ReadVarString()
			if err != nil {
				return nil, err
			}
		}
		return &ContentType{TypeRef: typeRef, Name: name, Type: newType()}, nil
	case refAny:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		vals := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := d.ReadAny()
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return &ContentAny{Values: vals}, nil
	case refDoc:
		guid, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		opts, err := d.ReadAny()
		if err != nil {
			return nil, err
		}
		return &ContentDoc{GUID: guid, Opts: opts}, nil
	default:
		return nil, fmt.Errorf("yjs: unknown content ref %d", ref)
	}
}
