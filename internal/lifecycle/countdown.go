package lifecycle

import (
	"fmt"
	"time"
)

const TimedOutText = "TIMED OUT"

// Countdown renders the time left until deadline as "MMm : SSs". Minutes
// wrap at the hour.
func Countdown(deadline, now time.Time) string {
	if deadline.IsZero() {
		return ""
	}
	left := deadline.Sub(now)
	if left < 0 {
		return TimedOutText
	}
	minutes := int(left/time.Minute) % 60
	seconds := int(left/time.Second) % 60
	return fmt.Sprintf("%02dm : %02ds", minutes, seconds)
}
