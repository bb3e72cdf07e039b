//go:build (darwin || linux) && !nodevices && !cgo

// Shared utilities for the purego-based camera adapters.

package scan

import (
	"os"
	"path/filepath"
	"unsafe"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Add(p, length)) == 0 {
			break
		}
		length++
		if length > 4096 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// cString returns s as a NUL-terminated byte slice. The caller must keep the
// slice alive for as long as C uses the pointer.
func cString(s string) []byte {
	return append([]byte(s), 0)
}

// uintptrOf returns the address of the first byte of b.
func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// findLibrary searches for a native library in STREAM_SDK_LIB_PATH, next to
// the executable, in build directories up to four levels up, and in the
// system library directories.
func findLibrary(libName string, envVars ...string) string {
	var searchPaths []string
	for _, env := range append(envVars, "STREAM_SDK_LIB_PATH") {
		searchPaths = append(searchPaths, os.Getenv(env))
	}

	if exe, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Dir(exe))
	}
	prefix := ""
	for range 5 {
		searchPaths = append(searchPaths,
			filepath.Join(prefix, "build"),
			filepath.Join(prefix, "build", "ffi"),
		)
		prefix = filepath.Join(prefix, "..")
	}
	searchPaths = append(searchPaths, "/usr/local/lib", "/usr/lib")

	for _, p := range searchPaths {
		if p == "" {
			continue
		}
		candidate := filepath.Join(p, libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
