//go:build windows

package volume

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"usntiered/internal/errs"
)

// FSCTL control codes for USN journal operations.
// https://learn.microsoft.com/en-us/windows/win32/api/winioctl/ni-winioctl-fsctl_query_usn_journal
const (
	fsctlQueryUSNJournal  = 0x000900F4
	fsctlCreateUSNJournal = 0x000900E7
	fsctlReadUSNJournal   = 0x000900BB
)

// queryUSNJournalData mirrors QUERY_USN_JOURNAL_DATA.
type queryUSNJournalData struct {
	UsnJournalID    uint64
	FirstUsn        int64
	NextUsn         int64
	LowestValidUsn  int64
	MaxUsn          int64
	MaximumSize     uint64
	AllocationDelta uint64
}

// createUSNJournalData mirrors CREATE_USN_JOURNAL_DATA.
type createUSNJournalData struct {
	MaximumSize     uint64
	AllocationDelta uint64
}

// readUSNJournalData mirrors READ_USN_JOURNAL_DATA in its 40-byte V0 input
// form (see SPEC_FULL §9). It has no MinMajorVersion/MaxMajorVersion
// fields, so no record-version range is sent with the read request.
type readUSNJournalData struct {
	StartUsn          int64
	ReasonMask        uint32
	ReturnOnlyOnClose uint32
	Timeout           uint64
	BytesToWaitFor    uint64
	UsnJournalID      uint64
}

type winHandle struct {
	name string
	h    windows.Handle
}

// Open opens the volume at name (a drive-letter root, a `\\.\X:` device
// path, or a `\\?\Volume{GUID}\` path) for USN journal control.
func Open(ctx context.Context, name string) (Handle, error) {
	devicePath := toDevicePath(name)

	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(devicePath),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS,
		0,
	)
	if err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return nil, fmt.Errorf("opening volume %s: %w", name, errs.ErrAccessDenied)
		}
		return nil, fmt.Errorf("opening volume %s: %w", name, err)
	}

	return &winHandle{name: name, h: h}, nil
}

func toDevicePath(name string) string {
	if len(name) >= 4 && name[:4] == `\\.\` {
		return name
	}
	if len(name) >= 4 && name[:4] == `\\?\` {
		return name
	}
	// Drive-letter root, e.g. "D:" or "D:\".
	letter := name
	if len(letter) > 2 {
		letter = letter[:2]
	}
	return `\\.\` + letter
}

func (w *winHandle) Name() string { return w.name }

func (w *winHandle) QueryJournal(ctx context.Context) (JournalInfo, error) {
	var data queryUSNJournalData
	var bytesReturned uint32

	err := windows.DeviceIoControl(
		w.h,
		fsctlQueryUSNJournal,
		nil,
		0,
		(*byte)(unsafe.Pointer(&data)),
		uint32(unsafe.Sizeof(data)),
		&bytesReturned,
		nil,
	)
	if err != nil {
		if errors.Is(err, windows.ERROR_JOURNAL_NOT_ACTIVE) || errors.Is(err, windows.ERROR_INVALID_FUNCTION) {
			return JournalInfo{}, fmt.Errorf("querying journal on %s: %w", w.name, errs.ErrJournalAbsent)
		}
		return JournalInfo{}, fmt.Errorf("querying journal on %s: %w", w.name, err)
	}

	return JournalInfo{
		JournalID:       data.UsnJournalID,
		FirstUSN:        data.FirstUsn,
		NextUSN:         data.NextUsn,
		LowestValidUSN:  data.LowestValidUsn,
		MaxUSN:          data.MaxUsn,
		MaxSize:         data.MaximumSize,
		AllocationDelta: data.AllocationDelta,
	}, nil
}

func (w *winHandle) CreateJournal(ctx context.Context, maxSize, allocationDelta uint64) error {
	data := createUSNJournalData{MaximumSize: maxSize, AllocationDelta: allocationDelta}
	var bytesReturned uint32

	err := windows.DeviceIoControl(
		w.h,
		fsctlCreateUSNJournal,
		(*byte)(unsafe.Pointer(&data)),
		uint32(unsafe.Sizeof(data)),
		nil,
		0,
		&bytesReturned,
		nil,
	)
	if err != nil {
		return fmt.Errorf("creating journal on %s: %w", w.name, err)
	}
	return nil
}

func (w *winHandle) ReadJournal(ctx context.Context, journalID uint64, startUSN int64, reasonMask uint32, buf []byte) (ReadResult, error) {
	if len(buf) < 8 {
		return ReadResult{}, fmt.Errorf("read buffer too small (%d bytes)", len(buf))
	}

	readData := readUSNJournalData{
		StartUsn:     startUSN,
		ReasonMask:   reasonMask,
		UsnJournalID: journalID,
	}

	var bytesReturned uint32
	err := windows.DeviceIoControl(
		w.h,
		fsctlReadUSNJournal,
		(*byte)(unsafe.Pointer(&readData)),
		uint32(unsafe.Sizeof(readData)),
		&buf[0],
		uint32(len(buf)),
		&bytesReturned,
		nil,
	)
	if err != nil {
		if errors.Is(err, windows.ERROR_HANDLE_EOF) {
			return ReadResult{NextUSN: startUSN}, nil
		}
		return ReadResult{}, fmt.Errorf("reading journal on %s: %w", w.name, err)
	}

	if bytesReturned < 8 {
		return ReadResult{NextUSN: startUSN}, nil
	}

	nextUSN := int64(littleEndianUint64(buf[0:8]))
	return ReadResult{NextUSN: nextUSN, Records: buf[8:bytesReturned]}, nil
}

func littleEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (w *winHandle) Close() error {
	if w.h == 0 {
		return nil
	}
	err := windows.CloseHandle(w.h)
	w.h = 0
	return err
}
