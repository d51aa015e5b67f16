package compiler

import "os"

// readFile is the small indirection the Rust adapter uses to pull source bytes
// into a hash digest via the worker pool, rather than blocking the
// dispatch goroutine directly.
func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
