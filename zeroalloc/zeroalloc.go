package zeroalloc

import "unsafe"

// StringToByteSlice views s as bytes without copying. The result must not
// be modified.
func StringToByteSlice(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
