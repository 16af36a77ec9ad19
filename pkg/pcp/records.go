package pcp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaypool/relaypool/pkg/types"
)

// NodeInfoRow is one record of a ToSNodeInfo array reply.
type NodeInfoRow struct {
	ID             int
	Host           string
	Port           int
	Status         types.BackendStatus
	Role           types.BackendRole
	Weight         float64
	ReplicationLag int64
}

func encodeNodeInfoRow(b types.Backend) []byte {
	return EncodeStrings(
		strconv.Itoa(b.ID), b.Host, strconv.Itoa(b.Port),
		strconv.Itoa(int(b.Status)), b.Role.String(),
		strconv.FormatFloat(b.Weight, 'f', -1, 64),
		strconv.FormatInt(b.ReplicationLag, 10),
	)
}

func decodeNodeInfoRow(payload []byte) (NodeInfoRow, error) {
	parts := DecodeStrings(payload)
	if len(parts) < 7 {
		return NodeInfoRow{}, fmt.Errorf("short node info row: %d fields", len(parts))
	}
	id, _ := strconv.Atoi(parts[0])
	port, _ := strconv.Atoi(parts[2])
	statusVal, _ := strconv.Atoi(parts[3])
	weight, _ := strconv.ParseFloat(parts[5], 64)
	lag, _ := strconv.ParseInt(parts[6], 10, 64)
	return NodeInfoRow{
		ID: id, Host: parts[1], Port: port,
		Status: types.BackendStatus(statusVal), Role: roleFromString(parts[4]),
		Weight: weight, ReplicationLag: lag,
	}, nil
}

func roleFromString(s string) types.BackendRole {
	switch s {
	case "primary":
		return types.RolePrimary
	case "standby":
		return types.RoleStandby
	case "replica":
		return types.RoleReplica
	default:
		return types.RoleMain
	}
}

// HealthStatsRow is one record of a ToSHealthStats array reply.
type HealthStatsRow struct {
	BackendID int
	Total     int64
	Success   int64
	Fail      int64
	Skip      int64
	Retry     int64
	AvgMillis float64
}

func encodeHealthStatsRow(s types.HealthStats) []byte {
	return EncodeStrings(
		strconv.Itoa(s.BackendID), strconv.FormatInt(s.Total, 10),
		strconv.FormatInt(s.Success, 10), strconv.FormatInt(s.Fail, 10),
		strconv.FormatInt(s.Skip, 10), strconv.FormatInt(s.Retry, 10),
		strconv.FormatFloat(s.AvgDurationMillis(), 'f', -1, 64),
	)
}

func decodeHealthStatsRow(payload []byte) (HealthStatsRow, error) {
	parts := DecodeStrings(payload)
	if len(parts) < 7 {
		return HealthStatsRow{}, fmt.Errorf("short health stats row: %d fields", len(parts))
	}
	id, _ := strconv.Atoi(parts[0])
	total, _ := strconv.ParseInt(parts[1], 10, 64)
	success, _ := strconv.ParseInt(parts[2], 10, 64)
	fail, _ := strconv.ParseInt(parts[3], 10, 64)
	skip, _ := strconv.ParseInt(parts[4], 10, 64)
	retry, _ := strconv.ParseInt(parts[5], 10, 64)
	avg, _ := strconv.ParseFloat(parts[6], 64)
	return HealthStatsRow{id, total, success, fail, skip, retry, avg}, nil
}

// ProcessInfoRow is one record of a ToSProcInfo array reply.
type ProcessInfoRow struct {
	PID             int64
	Status          string
	LoadBalanceNode int
	ClientConnCount int
	PooledConnCount int
}

func encodeProcessInfoRow(p ProcessInfoRow) []byte {
	return EncodeStrings(
		strconv.FormatInt(p.PID, 10), p.Status,
		strconv.Itoa(p.LoadBalanceNode),
		strconv.Itoa(p.ClientConnCount), strconv.Itoa(p.PooledConnCount),
	)
}

func decodeProcessInfoRow(payload []byte) (ProcessInfoRow, error) {
	parts := DecodeStrings(payload)
	if len(parts) < 5 {
		return ProcessInfoRow{}, fmt.Errorf("short process info row: %d fields", len(parts))
	}
	pid, _ := strconv.ParseInt(parts[0], 10, 64)
	lb, _ := strconv.Atoi(parts[2])
	clients, _ := strconv.Atoi(parts[3])
	pooled, _ := strconv.Atoi(parts[4])
	return ProcessInfoRow{pid, parts[1], lb, clients, pooled}, nil
}

// PoolStatusRow is one "name = value" configuration/status entry returned
// by ToSPoolStatus, mirroring pgpool-II's show pool_status output shape.
type PoolStatusRow struct {
	Name  string
	Value string
}

func encodePoolStatusRow(r PoolStatusRow) []byte {
	return EncodeStrings(r.Name, r.Value)
}

func decodePoolStatusRow(payload []byte) (PoolStatusRow, error) {
	parts := DecodeStrings(payload)
	if len(parts) < 2 {
		return PoolStatusRow{}, fmt.Errorf("short pool status row: %d fields", len(parts))
	}
	return PoolStatusRow{parts[0], strings.Join(parts[1:], " ")}, nil
}
