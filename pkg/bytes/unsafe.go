//go:build !appengine

// Package bytes provides zero-allocation byte/string conversion utilities.
package bytes

import "unsafe"

// StringToBytes converts a string to []byte without allocating. The returned
// slice shares memory with the string and must not be modified.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// BytesToString converts a []byte to string without allocating. The input
// slice must not be modified after the call.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
