package ssr

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// StatusFile persists backend status across restarts. The on-disk format is one ASCII token per line, one
// of "up", "down" or "unused", in backend-id order; this matches the
// original's pgpool_status text format. A legacy fixed-width binary layout
// (one byte per slot: 0=unused,1=connect-wait,2=up,3=down) is recognised on
// read for migration, never written.
type StatusFile interface {
	Read(numBackends int) ([]types.BackendStatus, error)
	Write(statuses []types.BackendStatus) error
}

// FileStatusStore implements StatusFile against a plain file on disk.
type FileStatusStore struct {
	Path string
}

func NewFileStatusStore(path string) *FileStatusStore {
	return &FileStatusStore{Path: path}
}

func (f *FileStatusStore) Read(numBackends int) ([]types.BackendStatus, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read status file: %v", poolerr.ErrState, err)
	}

	if isLegacyBinary(data, numBackends) {
		return decodeLegacyBinary(data), nil
	}

	statuses := make([]types.BackendStatus, 0, numBackends)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		statuses = append(statuses, parseStatusToken(line))
	}
	return statuses, nil
}

func (f *FileStatusStore) Write(statuses []types.BackendStatus) error {
	var b strings.Builder
	for _, st := range statuses {
		b.WriteString(statusToken(st))
		b.WriteByte('\n')
	}

	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("%w: write status file: %v", poolerr.ErrFatal, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("%w: rename status file: %v", poolerr.ErrFatal, err)
	}
	return nil
}

func statusToken(s types.BackendStatus) string {
	switch s {
	case types.BackendUp, types.BackendConnectWait:
		return "up"
	case types.BackendDown:
		return "down"
	default:
		return "unused"
	}
}

func parseStatusToken(tok string) types.BackendStatus {
	switch tok {
	case "up":
		return types.BackendUp
	case "down":
		return types.BackendDown
	case "waiting":
		return types.BackendConnectWait
	default:
		return types.BackendUnused
	}
}

// isLegacyBinary guesses at the old fixed-width format: exactly numBackends
// bytes, every byte in [0,3].
func isLegacyBinary(data []byte, numBackends int) bool {
	if len(data) != numBackends || numBackends == 0 {
		return false
	}
	for _, b := range data {
		if b > 3 {
			return false
		}
	}
	return true
}

func decodeLegacyBinary(data []byte) []types.BackendStatus {
	out := make([]types.BackendStatus, len(data))
	for i, b := range data {
		switch b {
		case 1:
			out[i] = types.BackendConnectWait
		case 2:
			out[i] = types.BackendUp
		case 3:
			out[i] = types.BackendDown
		default:
			out[i] = types.BackendUnused
		}
	}
	return out
}
