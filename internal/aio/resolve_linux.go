//go:build linux

package aio

func resolve(kind Kind) Kind {
	if kind == KindAuto {
		return KindUserfaultfd
	}
	return kind
}
