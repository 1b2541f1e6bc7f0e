//go:build windows
// +build windows

package monitoring

import (
	"fmt"
	"syscall"
	"unsafe"
)

func getDiskUsage(path string) (*DiskUsage, error) {
	checkPath, err := existingPath(path)
	if err != nil {
		return nil, err
	}

	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	getDiskFreeSpaceEx := kernel32.NewProc("GetDiskFreeSpaceExW")

	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes int64
	pathPtr, err := syscall.UTF16PtrFromString(checkPath)
	if err != nil {
		return nil, err
	}

	ret, _, callErr := getDiskFreeSpaceEx.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&freeBytesAvailable)),
		uintptr(unsafe.Pointer(&totalNumberOfBytes)),
		uintptr(unsafe.Pointer(&totalNumberOfFreeBytes)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", checkPath, callErr)
	}
	return newDiskUsage(uint64(totalNumberOfBytes), uint64(freeBytesAvailable)), nil
}
