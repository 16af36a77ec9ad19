// Package failover implements the Failover Engine: the single
// consumer of the SSR's request queue. It mutates backend state, decides
// which session workers to restart, runs operator-supplied external
// commands, and elects a new primary when one is needed.
package failover

import (
	"strconv"
	"strings"

	"github.com/relaypool/relaypool/pkg/types"
)

// SubstitutionVars carries every value the failover/failback/follow command
// substitution grammar can reference.
type SubstitutionVars struct {
	Port         int    // %p
	Hostname     string // %h
	NodeID       int    // %d
	DataDir      string // %D
	NewMainID    int    // %m
	NewMainHost  string // %H
	NewMainPort  int    // %r
	NewMainDir   string // %R
	OldMainID    int    // %M
	OldPrimaryID int    // %P
	OldPrimaryHost string // %N
	OldPrimaryPort int    // %S
}

// ExpandCommand substitutes every %-escape in template with the
// corresponding SubstitutionVars field. An unknown
// escape expands to the empty string; "%%" is a literal percent.
func ExpandCommand(template string, vars SubstitutionVars) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i == len(template)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch template[i] {
		case '%':
			b.WriteByte('%')
		case 'p':
			b.WriteString(strconv.Itoa(vars.Port))
		case 'h':
			b.WriteString(vars.Hostname)
		case 'd':
			b.WriteString(strconv.Itoa(vars.NodeID))
		case 'D':
			b.WriteString(vars.DataDir)
		case 'm':
			b.WriteString(strconv.Itoa(vars.NewMainID))
		case 'H':
			b.WriteString(vars.NewMainHost)
		case 'r':
			b.WriteString(strconv.Itoa(vars.NewMainPort))
		case 'R':
			b.WriteString(vars.NewMainDir)
		case 'M':
			b.WriteString(strconv.Itoa(vars.OldMainID))
		case 'P':
			b.WriteString(strconv.Itoa(vars.OldPrimaryID))
		case 'N':
			b.WriteString(vars.OldPrimaryHost)
		case 'S':
			b.WriteString(strconv.Itoa(vars.OldPrimaryPort))
		default:
			// unknown escape: contributes nothing.
		}
	}
	return b.String()
}

// varsForBackend fills the per-node fields (%p/%h/%d/%D) of vars from a
// backend record; the caller fills in the cluster-wide fields separately.
func varsForBackend(b types.Backend) SubstitutionVars {
	return SubstitutionVars{Port: b.Port, Hostname: b.Host, NodeID: b.ID}
}
