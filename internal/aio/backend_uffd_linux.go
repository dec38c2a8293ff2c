//go:build linux

package aio

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux userfaultfd(2) ABI constants, from linux/userfaultfd.h. They are
// not exported by golang.org/x/sys/unix, so they are reproduced here using
// the same _IOC encoding the kernel headers use.
const (
	uffdioMagic = 0xAA

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	uffdApiFeatures   = 0
	uffdioRegisterMissing = 1 << 0
	uffdioRegisterWP      = 1 << 1

	uffdEventPagefault = 0x12

	uffdPagefaultFlagWrite = 1 << 0
	uffdPagefaultFlagWP    = 1 << 1

	uffdioCopyModeWP = 1 << 0
)

func iocEncode(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

var (
	sizeofUffdioAPI       = unsafe.Sizeof(uffdioAPI{})
	sizeofUffdioRange     = unsafe.Sizeof(uffdioRange{})
	sizeofUffdioRegister  = unsafe.Sizeof(uffdioRegister{})
	sizeofUffdioCopy      = unsafe.Sizeof(uffdioCopy{})

	ioctlUffdioAPI        = iocEncode(iocRead|iocWrite, uffdioMagic, 0x3F, sizeofUffdioAPI)
	ioctlUffdioRegister   = iocEncode(iocRead|iocWrite, uffdioMagic, 0x00, sizeofUffdioRegister)
	ioctlUffdioUnregister = iocEncode(iocRead, uffdioMagic, 0x01, sizeofUffdioRange)
	ioctlUffdioCopy       = iocEncode(iocRead|iocWrite, uffdioMagic, 0x03, sizeofUffdioCopy)
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

// uffdMsg mirrors struct uffd_msg: an 8-byte header followed by a 24-byte
// event-specific payload, 32 bytes total.
type uffdMsg [32]byte

func (m *uffdMsg) event() uint8 { return m[0] }

// pagefaultFlags and pagefaultAddress decode the first two uint64 fields
// of the pagefault union, matching struct uffd_msg.arg.pagefault.
func (m *uffdMsg) pagefaultFlags() uint64 {
	return binary.LittleEndian.Uint64(m[8:16])
}

func (m *uffdMsg) pagefaultAddress() uint64 {
	return binary.LittleEndian.Uint64(m[16:24])
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// region is a single UFFDIO_REGISTER'd range and the backing store the
// fault-serving loop reads from when the kernel itself reports a fault,
// independent of any explicit Read call the scheduler also makes.
type region struct {
	base, end uintptr
	fd        int
	fileOff   int64
}

// uffdBackend drives page-in via userfaultfd(2): goroutines that touch an
// unresident mapped page block inside the kernel (no signal is delivered),
// and a dedicated serving goroutine resolves the fault with UFFDIO_COPY
// once it has read the page's bytes from the backing store. This is the
// direct Linux substitute for this runtime's original POSIX-AIO-plus-
// SIGSEGV design.
type uffdBackend struct {
	fd       int
	pagesize uintptr

	exitR, exitW int

	mu      sync.Mutex
	regions []region
	pending map[*Request]struct{}

	wg sync.WaitGroup
}

func newUserfaultfdBackend() (Backend, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("aio: userfaultfd: %w", errno)
	}

	api := uffdioAPI{api: 0xAA, features: uffdApiFeatures}
	if err := ioctl(int(fd), ioctlUffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("aio: UFFDIO_API: %w", err)
	}

	pipe := make([]int, 2)
	if err := unix.Pipe2(pipe, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("aio: exit pipe: %w", err)
	}

	return &uffdBackend{
		fd:       int(fd),
		pagesize: uintptr(unix.Getpagesize()),
		exitR:    pipe[0],
		exitW:    pipe[1],
		pending:  make(map[*Request]struct{}),
	}, nil
}

// Setup starts the fault-serving goroutine. n is not used: this backend
// places no limit on the number of concurrent requests.
func (b *uffdBackend) Setup(n int) error {
	b.wg.Add(1)
	go b.serve()
	return nil
}

func (b *uffdBackend) Destroy() error {
	unix.Write(b.exitW, []byte{0})
	b.wg.Wait()
	unix.Close(b.exitW)
	unix.Close(b.exitR)
	return unix.Close(b.fd)
}

func (b *uffdBackend) Register(addr, length uintptr, fd int, fileOff int64) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(addr), len: uint64(length)},
		mode: uffdioRegisterMissing,
	}
	if err := ioctl(b.fd, ioctlUffdioRegister, unsafe.Pointer(&reg)); err != nil {
		return fmt.Errorf("aio: UFFDIO_REGISTER: %w", err)
	}

	b.mu.Lock()
	b.regions = append(b.regions, region{base: addr, end: addr + length, fd: fd, fileOff: fileOff})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
	b.mu.Unlock()
	return nil
}

func (b *uffdBackend) find(addr uintptr) (region, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regions {
		if addr >= r.base && addr < r.end {
			return r, true
		}
	}
	return region{}, false
}

// serve is the fault-resolution loop: read a uffd_msg describing a
// pagefault, source the page's bytes from the registered backing store,
// and hand them back to the kernel with UFFDIO_COPY so the faulting
// access completes.
func (b *uffdBackend) serve() {
	defer b.wg.Done()

	pollFds := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.exitR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		var msg uffdMsg
		n, err := unix.Read(b.fd, msg[:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil || n != len(msg) {
			return
		}
		if msg.event() != uffdEventPagefault {
			continue
		}

		addr := uintptr(msg.pagefaultAddress())
		pageAddr := addr &^ (b.pagesize - 1)
		flags := msg.pagefaultFlags()

		r, ok := b.find(pageAddr)
		if !ok {
			continue
		}

		buf := make([]byte, b.pagesize)
		off := r.fileOff + int64(pageAddr-r.base)
		if _, err := unix.Pread(r.fd, buf, off); err != nil {
			continue
		}

		// Dirty-page write-protect promotion is a no-op in this runtime,
		// same as the original design, which has no read-only stage;
		// every resolved fault simply goes fully resident read/write.
		_ = flags
		copyReq := uffdioCopy{
			dst: uint64(pageAddr),
			src: uint64(uintptr(unsafe.Pointer(&buf[0]))),
			len: uint64(b.pagesize),
		}
		if err := ioctl(b.fd, ioctlUffdioCopy, unsafe.Pointer(&copyReq)); err != nil && err != unix.EEXIST {
			continue
		}
	}
}

func (b *uffdBackend) post(fd int, buf []byte, off int64, req *Request, write bool) error {
	if req.active {
		return fmt.Errorf("aio: request slot already in use")
	}
	req.active = true
	req.done = make(chan struct{})
	req.buf = buf
	req.offset = off

	b.mu.Lock()
	b.pending[req] = struct{}{}
	b.mu.Unlock()

	go func() {
		var n int
		var err error
		if write {
			n, err = unix.Pwrite(fd, buf, off)
		} else {
			n, err = unix.Pread(fd, buf, off)
			if err == nil && req.DestAddr != 0 {
				copyReq := uffdioCopy{
					dst:  uint64(req.DestAddr),
					src:  uint64(uintptr(unsafe.Pointer(&buf[0]))),
					len:  uint64(len(buf)),
				}
				if cerr := ioctl(b.fd, ioctlUffdioCopy, unsafe.Pointer(&copyReq)); cerr != nil && cerr != unix.EEXIST {
					err = cerr
				}
			}
		}
		req.n, req.err = n, err
		close(req.done)
	}()
	return nil
}

func (b *uffdBackend) Read(fd int, buf []byte, off int64, req *Request) error {
	return b.post(fd, buf, off, req, false)
}

func (b *uffdBackend) Write(fd int, buf []byte, off int64, req *Request) error {
	return b.post(fd, buf, off, req, true)
}

func (b *uffdBackend) Error(req *Request) error {
	if !req.active {
		return ErrInvalid
	}
	select {
	case <-req.done:
		return nil
	default:
		return ErrInProgress
	}
}

func (b *uffdBackend) Return(req *Request) (int, error) {
	<-req.done
	n, err := req.n, req.err

	b.mu.Lock()
	delete(b.pending, req)
	b.mu.Unlock()
	req.reset()

	return n, err
}

func (b *uffdBackend) Cancel(req *Request) error {
	return nil
}

func (b *uffdBackend) Suspend(reqs []*Request) error {
	if len(reqs) == 0 {
		return fmt.Errorf("aio: Suspend called with no requests")
	}
	winner := make(chan struct{}, 1)
	pending := 0
	for _, r := range reqs {
		if !r.active {
			continue
		}
		pending++
		go func(done chan struct{}) {
			<-done
			select {
			case winner <- struct{}{}:
			default:
			}
		}(r.done)
	}
	if pending == 0 {
		return nil
	}
	<-winner
	return nil
}
