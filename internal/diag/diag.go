// Copyright 2024 The cgtrap Authors.
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

// Package diag sets up structured logging for cgtrap. Non-fatal
// diagnostics (sweep retries exhausted, a leaf directory that wouldn't
// remove, systemd delegation falling back) go through logrus; the one
// fatal line a failing invocation prints is written independent of the
// configured level, so scripts parsing cgtrap's stderr see a stable tag.
package diag

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing to standard error, at debug level when
// verbose is set and warn level otherwise: cgtrap is normally silent
// except for the fatal-line contract below.
func New(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: false,
		FullTimestamp:    true,
	}
	log.Level = logrus.WarnLevel
	if verbose {
		log.Level = logrus.DebugLevel
	}
	return log
}

// Fatal writes cgtrap's one-line fatal diagnostic contract: a fixed tag
// followed by the error, independent of the logger's configured level.
func Fatal(tag string, err error) {
	fmt.Fprintf(os.Stderr, "cgtrap: %s: %v\n", tag, err)
}
