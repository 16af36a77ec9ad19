package pcp

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/relaypool/relaypool/pkg/poolerr"
)

// Client is the Control Protocol Client: a thin typed wrapper
// over the same frame format the server speaks, one request in flight at a
// time per connection.
type Client struct {
	conn net.Conn
}

// Dial connects to a PCP server over TCP or a Unix-domain socket and
// authenticates.
func Dial(network, address, username, password string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: pcp dial: %v", poolerr.ErrTransport, err)
	}
	c := &Client{conn: conn}
	if err := c.authenticate(username, password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(username, password string) error {
	if err := WriteFrame(c.conn, ToSSalt, nil); err != nil {
		return err
	}
	saltFrame, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if saltFrame.ToS != ToSSaltReply || len(saltFrame.Payload) != 4 {
		return fmt.Errorf("%w: unexpected salt reply %q", poolerr.ErrProtocol, saltFrame.ToS)
	}
	var salt [4]byte
	copy(salt[:], saltFrame.Payload)

	response := Challenge(username, password, salt)
	if err := WriteFrame(c.conn, ToSAuth, EncodeStrings(username, response)); err != nil {
		return err
	}
	reply, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if reply.ToS == ToSError {
		return authError(reply)
	}
	if reply.ToS != ToSAuthReply {
		return fmt.Errorf("%w: unexpected auth reply %q", poolerr.ErrProtocol, reply.ToS)
	}
	return nil
}

// Close sends the close frame and shuts down the connection.
func (c *Client) Close() error {
	_ = WriteFrame(c.conn, ToSClose, nil)
	return c.conn.Close()
}

func authError(reply Frame) error {
	ep := DecodeErrorPayload(reply.Payload)
	return fmt.Errorf("%w: %s", poolerr.ErrAuthentication, ep.Message)
}

func (c *Client) request(req ToS, payload []byte, wantReply ToS) (Frame, error) {
	if err := WriteFrame(c.conn, req, payload); err != nil {
		return Frame{}, err
	}
	reply, err := ReadFrame(c.conn)
	if err != nil {
		return Frame{}, err
	}
	if reply.ToS == ToSError {
		return Frame{}, authError(reply)
	}
	if reply.ToS != wantReply {
		return Frame{}, fmt.Errorf("%w: expected reply %q, got %q", poolerr.ErrProtocol, wantReply, reply.ToS)
	}
	return reply, nil
}

// readArray reads the ArraySize frame, n row frames, and the trailing
// CommandComplete frame, invoking decode on each row payload.
func (c *Client) readArray(rowToS ToS, decode func([]byte) error) error {
	sizeFrame, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if sizeFrame.ToS == ToSError {
		return authError(sizeFrame)
	}
	sizeParts := DecodeStrings(sizeFrame.Payload)
	if len(sizeParts) != 2 || sizeParts[0] != "ArraySize" {
		return fmt.Errorf("%w: expected ArraySize frame", poolerr.ErrProtocol)
	}
	n, err := strconv.Atoi(sizeParts[1])
	if err != nil {
		return fmt.Errorf("%w: bad array size %q", poolerr.ErrProtocol, sizeParts[1])
	}
	for i := 0; i < n; i++ {
		row, err := ReadFrame(c.conn)
		if err != nil {
			return err
		}
		if row.ToS != rowToS {
			return fmt.Errorf("%w: expected row ToS %q, got %q", poolerr.ErrProtocol, rowToS, row.ToS)
		}
		if err := decode(row.Payload); err != nil {
			return err
		}
	}
	done, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if DecodeStrings(done.Payload)[0] != "CommandComplete" {
		return fmt.Errorf("%w: expected CommandComplete frame", poolerr.ErrProtocol)
	}
	return nil
}

// NodeCount requests the configured backend count.
func (c *Client) NodeCount() (int, error) {
	reply, err := c.request(ToSNodeCount, nil, ToSNodeCountReply)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(DecodeStrings(reply.Payload)[0])
}

// NodeInfo requests one backend's record.
func (c *Client) NodeInfo(nodeID int) (NodeInfoRow, error) {
	if err := WriteFrame(c.conn, ToSNodeInfo, EncodeStrings(strconv.Itoa(nodeID))); err != nil {
		return NodeInfoRow{}, err
	}
	var row NodeInfoRow
	err := c.readArray(ToSNodeInfoReply, func(payload []byte) error {
		r, err := decodeNodeInfoRow(payload)
		row = r
		return err
	})
	return row, err
}

// HealthCheckStats requests one backend's health-check counters.
func (c *Client) HealthCheckStats(nodeID int) (HealthStatsRow, error) {
	if err := WriteFrame(c.conn, ToSHealthStats, EncodeStrings(strconv.Itoa(nodeID))); err != nil {
		return HealthStatsRow{}, err
	}
	var row HealthStatsRow
	err := c.readArray(ToSHealthStatsReply, func(payload []byte) error {
		r, err := decodeHealthStatsRow(payload)
		row = r
		return err
	})
	return row, err
}

// ProcCount requests the current session-worker count.
func (c *Client) ProcCount() (int, error) {
	reply, err := c.request(ToSProcCount, nil, ToSProcCountReply)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(DecodeStrings(reply.Payload)[0])
}

// ProcInfo requests the full session-worker table, or one entry when pid
// is non-zero.
func (c *Client) ProcInfo(pid int64) ([]ProcessInfoRow, error) {
	if err := WriteFrame(c.conn, ToSProcInfo, EncodeStrings(strconv.FormatInt(pid, 10))); err != nil {
		return nil, err
	}
	var rows []ProcessInfoRow
	err := c.readArray(ToSProcInfoReply, func(payload []byte) error {
		r, err := decodeProcessInfoRow(payload)
		rows = append(rows, r)
		return err
	})
	return rows, err
}

// PoolStatus requests the full configuration/status table.
func (c *Client) PoolStatus() ([]PoolStatusRow, error) {
	if err := WriteFrame(c.conn, ToSPoolStatus, nil); err != nil {
		return nil, err
	}
	var rows []PoolStatusRow
	err := c.readArray(ToSPoolStatusReply, func(payload []byte) error {
		r, err := decodePoolStatusRow(payload)
		rows = append(rows, r)
		return err
	})
	return rows, err
}

// WatchdogInfo requests the JSON watchdog node descriptor array.
func (c *Client) WatchdogInfo(wdID int) ([]byte, error) {
	reply, err := c.request(ToSWatchdogInfo, EncodeStrings(strconv.Itoa(wdID)), ToSWatchdogReply)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// AttachNode enqueues NODE_UP for nodeID.
func (c *Client) AttachNode(nodeID int) error {
	_, err := c.request(ToSAttach, EncodeStrings(strconv.Itoa(nodeID)), ToSAttachReply)
	return err
}

// DetachNode enqueues NODE_DOWN for nodeID; forced uses the switchover flag.
func (c *Client) DetachNode(nodeID int, forced bool) error {
	tos := ToSDetachGraceful
	if forced {
		tos = ToSDetachForced
	}
	_, err := c.request(tos, EncodeStrings(strconv.Itoa(nodeID)), ToSDetachReply)
	return err
}

// PromoteNode enqueues PROMOTE for nodeID; switchover selects the 's' mode.
func (c *Client) PromoteNode(nodeID int, switchover bool) error {
	mode := "n"
	if switchover {
		mode = "s"
	}
	_, err := c.request(ToSPromoteGraceful, EncodeStrings(strconv.Itoa(nodeID), mode), ToSPromoteReply)
	return err
}

// RecoveryNode enqueues an online-recovery NODE_UP for nodeID.
func (c *Client) RecoveryNode(nodeID int) error {
	_, err := c.request(ToSRecovery, EncodeStrings(strconv.Itoa(nodeID)), ToSRecoveryReply)
	return err
}

// Shutdown requests a local or cluster-scope shutdown in the given mode
// (s=smart, f=fast, i=immediate).
func (c *Client) Shutdown(cluster bool, mode byte) error {
	tos := ToSShutdownLocal
	if cluster {
		tos = ToSShutdownCluster
	}
	_, err := c.request(tos, EncodeStrings(string(mode)), ToSShutdownReply)
	return err
}

// ReloadConfig requests a local or cluster-scope config reload.
func (c *Client) ReloadConfig(cluster bool) error {
	scope := "l"
	if cluster {
		scope = "c"
	}
	_, err := c.request(ToSReload, EncodeStrings(scope), ToSReloadReply)
	return err
}

// SetParameter requests a runtime parameter change.
func (c *Client) SetParameter(name, value string) error {
	_, err := c.request(ToSSetParam, EncodeStrings(name, value), ToSSetParamReply)
	return err
}
