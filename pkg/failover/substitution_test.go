package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandCommandSubstitutesKnownEscapes(t *testing.T) {
	vars := SubstitutionVars{
		Port: 5432, Hostname: "db0", NodeID: 0, DataDir: "/data/0",
		NewMainID: 1, NewMainHost: "db1", NewMainPort: 5433, NewMainDir: "/data/1",
		OldMainID: 0, OldPrimaryID: 0, OldPrimaryHost: "db0", OldPrimaryPort: 5432,
	}

	got := ExpandCommand("down node=%d host=%h port=%p dir=%D new=%m:%H:%r:%R old=%M primary=%P:%N:%S lit=%%", vars)
	want := "down node=0 host=db0 port=5432 dir=/data/0 new=1:db1:5433:/data/1 old=0 primary=0:db0:5432 lit=%"
	assert.Equal(t, want, got)
}

func TestExpandCommandUnknownEscapeIsEmpty(t *testing.T) {
	got := ExpandCommand("x=%q end", SubstitutionVars{})
	assert.Equal(t, "x= end", got)
}

func TestExpandCommandTrailingPercent(t *testing.T) {
	got := ExpandCommand("abc%", SubstitutionVars{})
	assert.Equal(t, "abc%", got)
}
