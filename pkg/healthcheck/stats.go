package healthcheck

import (
	"time"

	"github.com/relaypool/relaypool/pkg/types"
)

// outcome classifies one check attempt for stats bookkeeping and metrics
// labelling.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFail
	outcomeSkip
)

func (o outcome) label() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFail:
		return "fail"
	default:
		return "skip"
	}
}

// recordStart increments Total and stamps LastCheck; called before the
// verification attempt.
func recordStart(s *types.HealthStats, now time.Time) {
	s.Total++
	s.LastCheck = now
}

// recordOutcome folds one completed attempt's result and duration into the
// running statistics. durationMillis is
// ignored for a skipped check, matching the original's "duration could be
// very small (probably 0) if health check is skipped" note.
func recordOutcome(s *types.HealthStats, o outcome, retries int, durationMillis int64, now time.Time) {
	switch o {
	case outcomeSuccess:
		s.Success++
		s.LastSuccessCheck = now
	case outcomeFail:
		s.Fail++
		s.LastFailCheck = now
	case outcomeSkip:
		s.Skip++
		s.LastSkipCheck = now
		return
	}

	if retries > 0 {
		s.Retry += int64(retries)
		if retries > s.MaxRetriesObserved {
			s.MaxRetriesObserved = retries
		}
	}

	s.TotalDurationMillis += durationMillis
	if s.MinDurationMillis == 0 || durationMillis < s.MinDurationMillis {
		s.MinDurationMillis = durationMillis
	}
	if durationMillis > s.MaxDurationMillis {
		s.MaxDurationMillis = durationMillis
	}
}
