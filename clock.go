package quizengine

import "time"

// Clock supplies the current time. Session expiry, mastery updates and review
// scheduling all read time through a Clock so histories replay exactly the
// same in tests.
type Clock func() time.Time

func systemClock() time.Time { return time.Now() }
