// Copyright 2024 The kmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// throttled caps a Logger's output rate. Fault paths use it: a process
// hammering an unmapped address must not turn the log itself into the
// bottleneck. Statements dropped while throttled are counted, and the count
// rides along on the next statement that gets through.
type throttled struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Int64
}

func (l *throttled) emit(out func(format string, v ...any), format string, v ...any) {
	if !l.limit.Allow() {
		l.dropped.Add(1)
		return
	}
	if n := l.dropped.Swap(0); n > 0 {
		format += " (%d suppressed)"
		v = append(v, n)
	}
	out(format, v...)
}

func (l *throttled) Debugf(format string, v ...any)   { l.emit(l.logger.Debugf, format, v...) }
func (l *throttled) Infof(format string, v ...any)    { l.emit(l.logger.Infof, format, v...) }
func (l *throttled) Warningf(format string, v ...any) { l.emit(l.logger.Warningf, format, v...) }

func (l *throttled) IsLogging(level Level) bool { return l.logger.IsLogging(level) }

// RateLimitedLogger returns a Logger that writes to logger at most once per
// every, reporting how much it dropped in between.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &throttled{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
