package portprobe

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
)

const DefaultProcRoot = "/proc"

// tcpListenState is the kernel's hex code for TCP_LISTEN.
const tcpListenState = "0A"

type procfsProber struct {
	root   string
	logger logging.Logger
}

// NewProcfsProber probes by matching listening socket inodes from
// <root>/net/tcp{,6} against <root>/<pid>/fd links. Linux only.
func NewProcfsProber(root string, logger logging.Logger) Prober {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &procfsProber{root: root, logger: logger}
}

func (p *procfsProber) Probe(ctx context.Context, port int) (PortStatus, error) {
	if err := validatePort(port); err != nil {
		return PortStatus{Port: port}, err
	}

	inodes := make(map[string]struct{})
	tablesRead := 0
	for _, table := range []string{"tcp", "tcp6"} {
		err := p.collectListenInodes(filepath.Join(p.root, "net", table), port, inodes)
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				continue
			}
			return PortStatus{Port: port}, errors.NewUnavailableError("failed to read socket table", err).
				WithContext("port", port).WithContext("table", table)
		}
		tablesRead++
	}
	if tablesRead == 0 {
		return PortStatus{Port: port}, errors.NewUnavailableError("no socket tables found", nil).WithContext("root", p.root)
	}

	if len(inodes) == 0 {
		return newStatus(port, nil), nil
	}

	pids, denied, err := p.findOwners(ctx, inodes)
	if err != nil {
		return PortStatus{Port: port}, err
	}

	if len(pids) == 0 {
		if denied > 0 {
			return PortStatus{Port: port}, errors.NewPermissionError("listener owner not visible", nil).
				WithContext("port", port).WithContext("denied_processes", denied)
		}
		return PortStatus{Port: port}, errors.NewUnavailableError("listener owner not found", nil).WithContext("port", port)
	}

	return newStatus(port, pids), nil
}

func (p *procfsProber) collectListenInodes(path string, port int, inodes map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	wantPort := fmt.Sprintf("%04X", port)

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		if fields[3] != tcpListenState {
			continue
		}
		local := fields[1]
		idx := strings.LastIndexByte(local, ':')
		if idx < 0 || !strings.EqualFold(local[idx+1:], wantPort) {
			continue
		}
		if inode := fields[9]; inode != "0" {
			inodes[inode] = struct{}{}
		}
	}
	return scanner.Err()
}

func (p *procfsProber) findOwners(ctx context.Context, inodes map[string]struct{}) ([]int, int, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, 0, errors.NewUnavailableError("failed to list processes", err).WithContext("root", p.root)
	}

	targets := make(map[string]struct{}, len(inodes))
	for inode := range inodes {
		targets["socket:["+inode+"]"] = struct{}{}
	}

	var pids []int
	denied := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, 0, errors.NewTimeoutError("port probe interrupted", ctx.Err())
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		fdDir := filepath.Join(p.root, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			if stderrors.Is(err, fs.ErrPermission) {
				denied++
			}
			// the process may have exited since the listing
			continue
		}

		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if _, ok := targets[link]; ok {
				pids = append(pids, pid)
				break
			}
		}
	}

	return pids, denied, nil
}
