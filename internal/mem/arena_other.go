//go:build !unix

package mem

func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion(b []byte) error {
	return nil
}
