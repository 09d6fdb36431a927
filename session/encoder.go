package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	snapshotFormatVersionCurrent = 1

	flagNew   = 1 << 0
	flagValid = 1 << 1
)

// Encode serializes a snapshot into the versioned binary record format. Attribute
// values are msgpack encoded, so they must be msgpack-serializable.
func Encode(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(snapshotFormatVersionCurrent)

	for _, field := range []struct {
		name  string
		value string
	}{
		{"id", s.ID},
		{"ssoID", s.SSOID},
		{"principal", s.PrincipalName},
	} {
		if len(field.value) > math.MaxUint16 {
			return nil, fmt.Errorf("%s too long", field.name)
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field.value))); err != nil {
			return nil, err
		}
		buf.WriteString(field.value)
	}

	for _, v := range []int64{
		unixMilli(s.CreationTime),
		unixMilli(s.ThisAccessedTime),
		unixMilli(s.LastAccessedTime),
		s.MaxInactiveInterval.Milliseconds(),
		s.Version,
	} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	var flags byte
	if s.New {
		flags |= flagNew
	}
	if s.Valid {
		flags |= flagValid
	}
	buf.WriteByte(flags)

	var attrs []byte
	if len(s.Attributes) > 0 {
		var err error
		attrs, err = msgpack.Marshal(s.Attributes)
		if err != nil {
			return nil, fmt.Errorf("encode attributes: %w", err)
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(attrs))); err != nil {
		return nil, err
	}
	buf.Write(attrs)

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode. Integer attribute values come back as
// int64 or uint64 and floats as float64, whatever width they were stored with.
func Decode(data []byte) (*Snapshot, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if version != snapshotFormatVersionCurrent {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidSnapshot, version)
	}

	s := &Snapshot{}
	for _, dst := range []*string{&s.ID, &s.SSOID, &s.PrincipalName} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		*dst = string(raw)
	}

	var created, thisAccessed, lastAccessed, maxInactive int64
	for _, dst := range []*int64{&created, &thisAccessed, &lastAccessed, &maxInactive, &s.Version} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	s.CreationTime = fromUnixMilli(created)
	s.ThisAccessedTime = fromUnixMilli(thisAccessed)
	s.LastAccessedTime = fromUnixMilli(lastAccessed)
	s.MaxInactiveInterval = time.Duration(maxInactive) * time.Millisecond

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	s.New = flags&flagNew != 0
	s.Valid = flags&flagValid != 0

	var attrLen uint32
	if err := binary.Read(reader, binary.BigEndian, &attrLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if int64(attrLen) > int64(reader.Len()) {
		return nil, fmt.Errorf("%w: attribute block truncated", ErrInvalidSnapshot)
	}
	s.Attributes = make(map[string]any)
	if attrLen > 0 {
		raw := make([]byte, attrLen)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(&s.Attributes); err != nil {
			return nil, fmt.Errorf("%w: attributes: %v", ErrInvalidSnapshot, err)
		}
		if s.Attributes == nil {
			s.Attributes = make(map[string]any)
		}
	}

	return s, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
