package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"catalogd/internal/logger"
)

// cronParser accepts the standard five-field POSIX cron grammar plus
// the nonstandard "@every 1h30m"/"@daily"/"@reboot" descriptors. "@reboot"
// has no meaningful next-run time under this parser (it fires via
// OnStartup instead, see Schedule.hooksFor), so a job wanting @reboot
// semantics should use a Hook(OnStartup) schedule, not Cron("@reboot").
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// nextCronRun resolves a cron expression's next firing after `after`.
// Unknown/unparseable expressions are logged and reported as "no next
// run" rather than erroring the whole dispatch scan, matching "unknown
// expressions are logged and the job becomes manual-only."
func nextCronRun(jobID, expr string, after time.Time) (time.Time, bool) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		logger.Log.Warn().Str("job", jobID).Str("cron", expr).Err(err).Msg("unparseable cron expression, job is manual-only")
		return time.Time{}, false
	}
	return sched.Next(after), true
}
