//go:build !linux

package aio

import "fmt"

func newUserfaultfdBackend() (Backend, error) {
	return nil, fmt.Errorf("aio: userfaultfd backend is Linux-only")
}
