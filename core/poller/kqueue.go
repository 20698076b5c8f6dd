//go:build darwin || freebsd || netbsd || openbsd

package poller

import "golang.org/x/sys/unix"

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (BSD, macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 128),
	}, nil
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int) error {
	return p.ctl(fd, unix.EV_ADD|unix.EV_ENABLE)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	return p.ctl(fd, unix.EV_DELETE)
}

func (p *KqueuePoller) ctl(fd, flags int) error {
	var ev unix.Kevent_t
	// Level-triggered (no EV_CLEAR)
	unix.SetKevent(&ev, fd, unix.EVFILT_READ, flags)

	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
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
		fds = append(fds, int(p.events[i].Ident))
	}

	return fds, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
