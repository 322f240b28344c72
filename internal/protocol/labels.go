/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package protocol

import (
	"fmt"
	"math"
	"time"
)

// DurationLabel formats a duration as whole minutes and seconds, e.g. "2分5秒"
func DurationLabel(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d分%d秒", total/60, total%60)
}

// TimeLine formats a segment as "[start -> end] text"
func TimeLine(start, end time.Duration, text string) string {
	return fmt.Sprintf("[%s -> %s] %s", DurationLabel(start), DurationLabel(end), text)
}

// Progress returns floor(end/duration*100) clamped to 0..100. A zero or
// negative duration yields 0.
func Progress(end, duration time.Duration) int {
	if duration <= 0 {
		return 0
	}
	p := int(math.Floor(float64(end) / float64(duration) * 100))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
