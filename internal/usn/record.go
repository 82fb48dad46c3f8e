// Package usn parses NTFS USN Change Journal V2 records and derives
// human-facing activity types and timestamps from their raw fields.
//
// Record layout (USN_RECORD_V2, little-endian):
//
//	offset  size  field
//	0       4     RecordLength
//	4       2     MajorVersion
//	6       2     MinorVersion
//	8       8     FileReferenceNumber
//	16      8     ParentFileReferenceNumber
//	24      8     Usn (int64)
//	32      8     TimeStamp (FILETIME)
//	40      4     Reason
//	44      4     SourceInfo
//	48      4     SecurityId
//	52      4     FileAttributes
//	56      2     FileNameLength (bytes)
//	58      2     FileNameOffset (from record start)
//	...           FileName (UTF-16LE, FileNameLength bytes)
package usn

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"

	"usntiered/internal/errs"
)

// Reason flag bits (USN_REASON_*).
const (
	ReasonDataOverwrite       uint32 = 0x00000001
	ReasonDataExtend          uint32 = 0x00000002
	ReasonDataTruncation      uint32 = 0x00000004
	ReasonNamedDataOverwrite  uint32 = 0x00000010
	ReasonNamedDataExtend     uint32 = 0x00000020
	ReasonNamedDataTruncation uint32 = 0x00000040
	ReasonFileCreate          uint32 = 0x00000100
	ReasonFileDelete          uint32 = 0x00000200
	ReasonEAChange            uint32 = 0x00000400
	ReasonSecurityChange      uint32 = 0x00000800
	ReasonRenameOldName       uint32 = 0x00001000
	ReasonRenameNewName       uint32 = 0x00002000
	ReasonIndexableChange     uint32 = 0x00004000
	ReasonBasicInfoChange     uint32 = 0x00008000
	ReasonHardLinkChange      uint32 = 0x00010000
	ReasonCompressionChange   uint32 = 0x00020000
	ReasonEncryptionChange    uint32 = 0x00040000
	ReasonObjectIDChange      uint32 = 0x00080000
	ReasonReparsePointChange  uint32 = 0x00100000
	ReasonStreamChange        uint32 = 0x00200000
	ReasonClose               uint32 = 0x80000000
)

var reasonNames = []struct {
	bit  uint32
	name string
}{
	{ReasonDataOverwrite, "DATA_OVERWRITE"},
	{ReasonDataExtend, "DATA_EXTEND"},
	{ReasonDataTruncation, "DATA_TRUNCATION"},
	{ReasonNamedDataOverwrite, "NAMED_DATA_OVERWRITE"},
	{ReasonNamedDataExtend, "NAMED_DATA_EXTEND"},
	{ReasonNamedDataTruncation, "NAMED_DATA_TRUNCATION"},
	{ReasonFileCreate, "FILE_CREATE"},
	{ReasonFileDelete, "FILE_DELETE"},
	{ReasonEAChange, "EA_CHANGE"},
	{ReasonSecurityChange, "SECURITY_CHANGE"},
	{ReasonRenameOldName, "RENAME_OLD_NAME"},
	{ReasonRenameNewName, "RENAME_NEW_NAME"},
	{ReasonIndexableChange, "INDEXABLE_CHANGE"},
	{ReasonBasicInfoChange, "BASIC_INFO_CHANGE"},
	{ReasonHardLinkChange, "HARD_LINK_CHANGE"},
	{ReasonCompressionChange, "COMPRESSION_CHANGE"},
	{ReasonEncryptionChange, "ENCRYPTION_CHANGE"},
	{ReasonObjectIDChange, "OBJECT_ID_CHANGE"},
	{ReasonReparsePointChange, "REPARSE_POINT_CHANGE"},
	{ReasonStreamChange, "STREAM_CHANGE"},
	{ReasonClose, "CLOSE"},
}

// ReasonFlagsText renders the set bits of reason as a pipe-joined list of
// their USN_REASON_* names, in ascending bit order. Unknown bits are
// rendered as 0xHEX.
func ReasonFlagsText(reason uint32) string {
	if reason == 0 {
		return ""
	}
	var names []string
	remaining := reason
	for _, r := range reasonNames {
		if reason&r.bit != 0 {
			names = append(names, r.name)
			remaining &^= r.bit
		}
	}
	if remaining != 0 {
		names = append(names, fmt.Sprintf("0x%X", remaining))
	}
	return joinPipe(names)
}

func joinPipe(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "|"
		}
		out += s
	}
	return out
}

// File attribute bits relevant to attribute-text rendering and activity
// scoring. Not exhaustive of the Win32 FILE_ATTRIBUTE_* space.
const (
	AttrReadonly  uint32 = 0x00000001
	AttrHidden    uint32 = 0x00000002
	AttrSystem    uint32 = 0x00000004
	AttrDirectory uint32 = 0x00000010
	AttrArchive   uint32 = 0x00000020
	AttrReparse   uint32 = 0x00000400
	AttrCompresed uint32 = 0x00000800
	AttrEncrypted uint32 = 0x00004000
)

var attrNames = []struct {
	bit  uint32
	name string
}{
	{AttrReadonly, "READONLY"},
	{AttrHidden, "HIDDEN"},
	{AttrSystem, "SYSTEM"},
	{AttrDirectory, "DIRECTORY"},
	{AttrArchive, "ARCHIVE"},
	{AttrReparse, "REPARSE_POINT"},
	{AttrCompresed, "COMPRESSED"},
	{AttrEncrypted, "ENCRYPTED"},
}

// FileAttributesText renders the set bits of attrs as a pipe-joined list of
// FILE_ATTRIBUTE_* names, in the subset recognized above.
func FileAttributesText(attrs uint32) string {
	if attrs == 0 {
		return "NORMAL"
	}
	var names []string
	for _, a := range attrNames {
		if attrs&a.bit != 0 {
			names = append(names, a.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%X", attrs)
	}
	return joinPipe(names)
}

// Record is a decoded USN_RECORD_V2.
type Record struct {
	RecordLength              uint32
	MajorVersion              uint16
	MinorVersion              uint16
	FileReferenceNumber       uint64
	ParentFileReferenceNumber uint64
	USN                       int64
	Timestamp                 time.Time
	Reason                    uint32
	SourceInfo                uint32
	SecurityID                uint32
	FileAttributes            uint32
	FileName                  string
}

const v2HeaderSize = 60

// ParseRecord decodes a single USN_RECORD_V2 from buf, which must contain
// exactly one record (callers split the ReadJournal output buffer on
// RecordLength boundaries before calling this). It is a pure function: no
// I/O; it allocates only the decoded Record and its file-name string.
func ParseRecord(buf []byte) (Record, error) {
	var rec Record

	if len(buf) < v2HeaderSize {
		return rec, fmt.Errorf("usn record buffer too short (%d bytes): %w", len(buf), errs.ErrParse)
	}

	rec.RecordLength = binary.LittleEndian.Uint32(buf[0:4])
	rec.MajorVersion = binary.LittleEndian.Uint16(buf[4:6])
	rec.MinorVersion = binary.LittleEndian.Uint16(buf[6:8])
	rec.FileReferenceNumber = binary.LittleEndian.Uint64(buf[8:16])
	rec.ParentFileReferenceNumber = binary.LittleEndian.Uint64(buf[16:24])
	rec.USN = int64(binary.LittleEndian.Uint64(buf[24:32]))

	filetime := binary.LittleEndian.Uint64(buf[32:40])
	rec.Timestamp = FiletimeToUTC(filetime)

	rec.Reason = binary.LittleEndian.Uint32(buf[40:44])
	rec.SourceInfo = binary.LittleEndian.Uint32(buf[44:48])
	rec.SecurityID = binary.LittleEndian.Uint32(buf[48:52])
	rec.FileAttributes = binary.LittleEndian.Uint32(buf[52:56])

	nameLen := binary.LittleEndian.Uint16(buf[56:58])
	nameOffset := binary.LittleEndian.Uint16(buf[58:60])

	if int(nameOffset)+int(nameLen) > len(buf) {
		return rec, fmt.Errorf("usn record file name extends past buffer (offset %d len %d buf %d): %w",
			nameOffset, nameLen, len(buf), errs.ErrParse)
	}
	if nameLen%2 != 0 {
		return rec, fmt.Errorf("usn record file name length %d is not a multiple of 2: %w", nameLen, errs.ErrParse)
	}

	nameBytes := buf[nameOffset : int(nameOffset)+int(nameLen)]
	rec.FileName = decodeUTF16LE(nameBytes)

	return rec, nil
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16))
}

// filetimeEpochOffset100ns is the number of 100-nanosecond intervals
// between the FILETIME epoch (1601-01-01) and the Unix epoch
// (1970-01-01).
const filetimeEpochOffset100ns = 116444736000000000

// FiletimeToUTC converts a Win32 FILETIME (100ns intervals since
// 1601-01-01 UTC) to a time.Time in UTC. Values before the Unix epoch
// produce a time.Time with a negative Unix offset rather than being
// clamped to the epoch.
func FiletimeToUTC(filetime uint64) time.Time {
	intervals := int64(filetime) - filetimeEpochOffset100ns
	seconds := intervals / 10000000
	remainder100ns := intervals % 10000000
	nanos := remainder100ns * 100
	return time.Unix(seconds, nanos).UTC()
}

// UTCToFiletime converts a time.Time to a Win32 FILETIME.
func UTCToFiletime(t time.Time) uint64 {
	u := t.UTC()
	intervals := u.Unix()*10000000 + int64(u.Nanosecond())/100
	return uint64(intervals + filetimeEpochOffset100ns)
}

// ActivityType enumerates the derived activity classification for a
// record, in priority order (highest priority first) used by
// DeriveActivityType.
type ActivityType string

const (
	ActivityCreate          ActivityType = "create"
	ActivityDelete          ActivityType = "delete"
	ActivityRename          ActivityType = "rename"
	ActivitySecurityChange  ActivityType = "security_change"
	ActivityAttributeChange ActivityType = "attribute_change"
	ActivityClose           ActivityType = "close"
	ActivityModify          ActivityType = "modify"
	ActivityRead            ActivityType = "read"
	ActivityOther           ActivityType = "other"
)

// DeriveActivityType classifies a reason-flag bitmap into a single
// dominant ActivityType using a fixed priority order: Create, Delete,
// Rename, SecurityChange, AttributeChange, Close, Modify, Read, Other. A
// record with multiple reason bits set (the common case) is classified by
// the highest-priority bit present. A nonzero reason matching none of the
// named groups classifies as Read; a zero reason classifies as Other.
func DeriveActivityType(reason uint32) ActivityType {
	switch {
	case reason&ReasonFileCreate != 0:
		return ActivityCreate
	case reason&ReasonFileDelete != 0:
		return ActivityDelete
	case reason&(ReasonRenameOldName|ReasonRenameNewName) != 0:
		return ActivityRename
	case reason&ReasonSecurityChange != 0:
		return ActivitySecurityChange
	case reason&(ReasonEAChange|ReasonBasicInfoChange|ReasonCompressionChange|
		ReasonEncryptionChange|ReasonObjectIDChange|ReasonReparsePointChange|
		ReasonIndexableChange|ReasonHardLinkChange|ReasonStreamChange) != 0:
		return ActivityAttributeChange
	case reason&ReasonClose != 0:
		return ActivityClose
	case reason&(ReasonDataOverwrite|ReasonDataExtend|ReasonDataTruncation|
		ReasonNamedDataOverwrite|ReasonNamedDataExtend|ReasonNamedDataTruncation) != 0:
		return ActivityModify
	case reason == 0:
		return ActivityOther
	default:
		return ActivityRead
	}
}
