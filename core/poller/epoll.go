//go:build linux

package poller

import "golang.org/x/sys/unix"

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int) error {
	ev := unix.EpollEvent{
		// Level-triggered: the acceptor drains until EAGAIN anyway
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeout int) ([]int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fds = append(fds, int(p.events[i].Fd))
	}

	return fds, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}
