// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package twamp

import (
	"strconv"
	"time"
)

// nowFunc is the wall-clock source for timestamps. Overridden in tests
// that need deterministic deltas.
var nowFunc = time.Now

func portString(port int) string {
	return strconv.Itoa(port)
}
