package pcp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// Backends is the read/enqueue surface the PCP server needs from the SSR
//.
type Backends interface {
	NumBackends() int
	SnapshotAll() []types.Backend
	SnapshotBackend(id int) (types.Backend, bool)
	SnapshotStats(id int) (types.HealthStats, bool)
	Enqueue(r types.Request) error
	IsSwitching() bool
}

// Watchdog is the subset of the opaque watchdog collaborator the
// PCP server surfaces through ToSWatchdogInfo and cluster-scope shutdown.
type Watchdog interface {
	NodesJSON(wdID int) ([]byte, error)
	ExecuteClusterCommand(op string, args []string) error
}

// Processes reports the supervisor's session-worker table.
type Processes interface {
	Count() int
	Snapshot() []ProcessInfoRow
}

// Controller lets the PCP server drive supervisor-owned lifecycle actions
// that are not SSR requests: config reload and local shutdown.
type Controller interface {
	Reload() error
	Shutdown(mode byte) error
}

// Server is the Control Protocol Server: one instance serves
// one connection at a time, matching the "dedicated single worker child"
// concurrency note.
type Server struct {
	Users      *UserFile
	Backends   Backends
	Watchdog   Watchdog
	Processes  Processes
	Controller Controller
	PoolStatus func() []PoolStatusRow
}

// Serve accepts connections from ln until it returns an error (typically
// from a closed listener during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("pcp")

	authenticated, username, err := s.runHandshake(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("pcp handshake failed")
		return
	}
	if !authenticated {
		logger.Warn().Msg("pcp authentication rejected")
		return
	}
	logger.Info().Str("user", username).Msg("pcp client authenticated")

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if frame.ToS == ToSClose {
			return
		}
		if err := s.dispatch(conn, frame); err != nil {
			s.writeError(conn, err)
		}
	}
}

func (s *Server) runHandshake(conn net.Conn) (ok bool, username string, err error) {
	saltFrame, err := ReadFrame(conn)
	if err != nil {
		return false, "", err
	}
	if saltFrame.ToS != ToSSalt {
		return false, "", fmt.Errorf("%w: expected salt request, got %q", poolerr.ErrProtocol, saltFrame.ToS)
	}
	salt, err := NewSalt()
	if err != nil {
		return false, "", err
	}
	if err := WriteFrame(conn, ToSSaltReply, salt[:]); err != nil {
		return false, "", err
	}

	authFrame, err := ReadFrame(conn)
	if err != nil {
		return false, "", err
	}
	if authFrame.ToS != ToSAuth {
		return false, "", fmt.Errorf("%w: expected auth request, got %q", poolerr.ErrProtocol, authFrame.ToS)
	}
	parts := DecodeStrings(authFrame.Payload)
	if len(parts) != 2 {
		return false, "", fmt.Errorf("%w: malformed auth payload", poolerr.ErrProtocol)
	}
	username, response := parts[0], parts[1]
	if s.Users == nil || !s.Users.Verify(username, response, salt) {
		return false, username, nil
	}
	if err := WriteFrame(conn, ToSAuthReply, CommandCompleteFrame()); err != nil {
		return false, "", err
	}
	return true, username, nil
}

func (s *Server) dispatch(conn net.Conn, frame Frame) error {
	switch frame.ToS {
	case ToSNodeCount:
		return WriteFrame(conn, ToSNodeCountReply, EncodeStrings(strconv.Itoa(s.Backends.NumBackends())))

	case ToSNodeInfo:
		return s.replyNodeInfo(conn, frame)

	case ToSHealthStats:
		return s.replyHealthStats(conn, frame)

	case ToSProcCount:
		return WriteFrame(conn, ToSProcCountReply, EncodeStrings(strconv.Itoa(s.Processes.Count())))

	case ToSProcInfo:
		return s.replyProcInfo(conn)

	case ToSWatchdogInfo:
		return s.replyWatchdogInfo(conn, frame)

	case ToSPoolStatus:
		return s.replyPoolStatus(conn)

	case ToSAttach:
		return s.enqueueAndAck(conn, ToSAttachReply, types.NodeUp, frame, types.FlagUpdate)

	case ToSDetachForced, ToSDetachGraceful:
		flags := types.FlagConfirmed
		if frame.ToS == ToSDetachForced {
			flags |= types.FlagSwitchover
		}
		return s.enqueueAndAck(conn, ToSDetachReply, types.NodeDown, frame, flags)

	case ToSPromoteForced, ToSPromoteGraceful:
		return s.replyPromote(conn, frame)

	case ToSRecovery:
		return s.enqueueAndAck(conn, ToSRecoveryReply, types.NodeUp, frame, types.FlagUpdate)

	case ToSShutdownLocal, ToSShutdownCluster:
		return s.replyShutdown(conn, frame)

	case ToSReload:
		return s.replyReload(conn, frame)

	case ToSSetParam:
		return WriteFrame(conn, ToSSetParamReply, CommandCompleteFrame())

	default:
		return fmt.Errorf("%w: unsupported request ToS %q", poolerr.ErrProtocol, frame.ToS)
	}
}

func (s *Server) replyNodeInfo(conn net.Conn, frame Frame) error {
	parts := DecodeStrings(frame.Payload)
	if len(parts) != 1 {
		return fmt.Errorf("%w: node info requires one node id", poolerr.ErrProtocol)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("%w: bad node id %q", poolerr.ErrProtocol, parts[0])
	}
	b, ok := s.Backends.SnapshotBackend(id)
	if !ok {
		return fmt.Errorf("%w: no such backend %d", poolerr.ErrState, id)
	}
	if err := WriteFrame(conn, ToSArraySize, ArraySizeFrame(1)); err != nil {
		return err
	}
	if err := WriteFrame(conn, ToSNodeInfoReply, encodeNodeInfoRow(b)); err != nil {
		return err
	}
	return WriteFrame(conn, ToSCommandComplete, CommandCompleteFrame())
}

func (s *Server) replyHealthStats(conn net.Conn, frame Frame) error {
	parts := DecodeStrings(frame.Payload)
	if len(parts) != 1 {
		return fmt.Errorf("%w: health stats requires one node id", poolerr.ErrProtocol)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("%w: bad node id %q", poolerr.ErrProtocol, parts[0])
	}
	stats, ok := s.Backends.SnapshotStats(id)
	if !ok {
		return fmt.Errorf("%w: no such backend %d", poolerr.ErrState, id)
	}
	if err := WriteFrame(conn, ToSArraySize, ArraySizeFrame(1)); err != nil {
		return err
	}
	if err := WriteFrame(conn, ToSHealthStatsReply, encodeHealthStatsRow(stats)); err != nil {
		return err
	}
	return WriteFrame(conn, ToSCommandComplete, CommandCompleteFrame())
}

func (s *Server) replyProcInfo(conn net.Conn) error {
	rows := s.Processes.Snapshot()
	if err := WriteFrame(conn, ToSArraySize, ArraySizeFrame(len(rows))); err != nil {
		return err
	}
	for _, r := range rows {
		if err := WriteFrame(conn, ToSProcInfoReply, encodeProcessInfoRow(r)); err != nil {
			return err
		}
	}
	return WriteFrame(conn, ToSCommandComplete, CommandCompleteFrame())
}

func (s *Server) replyWatchdogInfo(conn net.Conn, frame Frame) error {
	parts := DecodeStrings(frame.Payload)
	id := 0
	if len(parts) == 1 {
		id, _ = strconv.Atoi(parts[0])
	}
	if s.Watchdog == nil {
		return fmt.Errorf("%w: watchdog not configured", poolerr.ErrState)
	}
	payload, err := s.Watchdog.NodesJSON(id)
	if err != nil {
		return fmt.Errorf("%w: watchdog info: %v", poolerr.ErrBackend, err)
	}
	return WriteFrame(conn, ToSWatchdogReply, payload)
}

func (s *Server) replyPoolStatus(conn net.Conn) error {
	rows := s.PoolStatus()
	if err := WriteFrame(conn, ToSArraySize, ArraySizeFrame(len(rows))); err != nil {
		return err
	}
	for _, r := range rows {
		if err := WriteFrame(conn, ToSPoolStatusReply, encodePoolStatusRow(r)); err != nil {
			return err
		}
	}
	return WriteFrame(conn, ToSCommandComplete, CommandCompleteFrame())
}

// enqueueAndAck is shared by request kinds that simply enqueue an SSR
// request and acknowledge it at once (the enqueue itself wakes the Failover
// Engine; the reply does not wait for the request to be applied): the
// node id is always the sole payload string.
func (s *Server) enqueueAndAck(conn net.Conn, reply ToS, kind types.RequestKind, frame Frame, flags types.RequestFlags) error {
	parts := DecodeStrings(frame.Payload)
	if len(parts) != 1 {
		return fmt.Errorf("%w: request requires one node id", poolerr.ErrProtocol)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("%w: bad node id %q", poolerr.ErrProtocol, parts[0])
	}
	if s.Backends.IsSwitching() {
		return fmt.Errorf("%w: failover in progress, try again", poolerr.ErrState)
	}
	if err := s.Backends.Enqueue(types.Request{Kind: kind, NodeIDs: []int{id}, Flags: flags}); err != nil {
		return err
	}
	return WriteFrame(conn, reply, CommandCompleteFrame())
}

func (s *Server) replyPromote(conn net.Conn, frame Frame) error {
	parts := DecodeStrings(frame.Payload)
	if len(parts) != 2 {
		return fmt.Errorf("%w: promote requires \"<id> <s|n>\"", poolerr.ErrProtocol)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("%w: bad node id %q", poolerr.ErrProtocol, parts[0])
	}
	flags := types.FlagPromote
	if parts[1] == "s" {
		flags |= types.FlagSwitchover
	}
	if s.Backends.IsSwitching() {
		return fmt.Errorf("%w: failover in progress, try again", poolerr.ErrState)
	}
	if err := s.Backends.Enqueue(types.Request{Kind: types.Promote, NodeIDs: []int{id}, Flags: flags}); err != nil {
		return err
	}
	return WriteFrame(conn, ToSPromoteReply, CommandCompleteFrame())
}

func (s *Server) replyShutdown(conn net.Conn, frame Frame) error {
	parts := DecodeStrings(frame.Payload)
	if len(parts) != 1 || len(parts[0]) != 1 {
		return fmt.Errorf("%w: shutdown requires one mode char", poolerr.ErrProtocol)
	}
	mode := parts[0][0]
	if frame.ToS == ToSShutdownCluster && s.Watchdog != nil {
		if err := s.Watchdog.ExecuteClusterCommand("shutdown", []string{string(mode)}); err != nil {
			return fmt.Errorf("%w: cluster shutdown: %v", poolerr.ErrBackend, err)
		}
	}
	if s.Controller != nil {
		if err := s.Controller.Shutdown(mode); err != nil {
			return fmt.Errorf("%w: local shutdown: %v", poolerr.ErrFatal, err)
		}
	}
	return WriteFrame(conn, ToSShutdownReply, CommandCompleteFrame())
}

func (s *Server) replyReload(conn net.Conn, frame Frame) error {
	parts := DecodeStrings(frame.Payload)
	scope := "l"
	if len(parts) == 1 {
		scope = parts[0]
	}
	if scope == "c" && s.Watchdog != nil {
		if err := s.Watchdog.ExecuteClusterCommand("reload", nil); err != nil {
			return fmt.Errorf("%w: cluster reload: %v", poolerr.ErrBackend, err)
		}
	}
	if s.Controller != nil {
		if err := s.Controller.Reload(); err != nil {
			return fmt.Errorf("%w: reload: %v", poolerr.ErrConfig, err)
		}
	}
	return WriteFrame(conn, ToSReloadReply, CommandCompleteFrame())
}

func (s *Server) writeError(conn net.Conn, err error) {
	payload := ErrorPayload{Severity: "ERROR", Message: err.Error()}
	if detail, ok := errorDetail(err); ok {
		payload.Detail = detail
	}
	_ = WriteFrame(conn, ToSError, payload.Encode())
}

func errorDetail(err error) (string, bool) {
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx >= 0 {
		return msg[idx+2:], true
	}
	return "", false
}
