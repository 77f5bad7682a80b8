package expr

import (
	"time"
)

// CurrentTimeLayout is the format of the currentTime() helper.
const CurrentTimeLayout = "2006-01-02 15:04:05"

// BasicEnv returns the helpers available to every expression by default.
func BasicEnv() map[string]any {
	return map[string]any{
		"newline": "\n",
		"space":   " ",
		"currentTime": func() string {
			return time.Now().Format(CurrentTimeLayout)
		},
	}
}
