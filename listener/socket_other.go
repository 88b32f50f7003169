//go:build !linux

package listener

// setRecvBuffer is a no-op outside Linux; the OS default buffer is kept.
func setRecvBuffer(uintptr, int) (int, error) {
	return 0, nil
}
