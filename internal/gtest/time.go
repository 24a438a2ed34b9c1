package gtest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TimeFactor multiplies every test timeout.
// It is set from the GNODE_TEST_TIME_FACTOR environment variable,
// so a contended CI machine can run with e.g. GNODE_TEST_TIME_FACTOR=3
// without changing any test.
var TimeFactor ScaledDuration = 1

func init() {
	f := os.Getenv("GNODE_TEST_TIME_FACTOR")
	if f == "" {
		return
	}

	n, err := strconv.Atoi(f)
	if err != nil {
		panic(fmt.Errorf(
			"failed to parse GNODE_TEST_TIME_FACTOR (%q) into an integer: %w",
			f, err,
		))
	}

	if n <= 0 {
		panic(fmt.Errorf("GNODE_TEST_TIME_FACTOR must be positive; got %d", n))
	}

	TimeFactor = ScaledDuration(n)
}

type ScaledDuration time.Duration

// ScaleMs returns ms milliseconds multiplied by [TimeFactor].
// Helpers accept a ScaledDuration so that tests never pass literal timeouts.
func ScaleMs(ms int64) ScaledDuration {
	return TimeFactor * ScaledDuration(ms) * ScaledDuration(time.Millisecond)
}

// Sleep calls [time.Sleep] with the given scaled duration.
func Sleep(dur ScaledDuration) {
	time.Sleep(time.Duration(dur))
}
