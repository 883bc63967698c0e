// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the narrow interface this subsystem uses to emit
// its three build-provisioning gauges, leaving the actual metrics backend
// to whatever embeds it.
package metrics

import (
	"log"
	"runtime"
)

// Labels carries the dimensions attached to every emitted metric.
type Labels struct {
	Job      string
	Platform string
	Step     string
	Task     string
	Build    string
}

// Recorder emits the build-provisioning gauges a worker fleet's dashboards
// key off of: how long a retrieval step took, how stale a build is, and
// which revision is currently staged.
type Recorder interface {
	// RecordRetrievalTime reports how long a named step (e.g.
	// "list_fuzz_targets", "unpack") took, in minutes.
	RecordRetrievalTime(elapsedMinutes float64, labels Labels)
	// RecordBuildAge reports how many hours old a build's backing archive
	// is, relative to when it was retrieved.
	RecordBuildAge(ageHours float64, labels Labels)
	// RecordBuildRevision reports the numeric revision a worker is
	// currently running.
	RecordBuildRevision(revision int, labels Labels)
}

// LogRecorder is the default Recorder: it writes each metric as a
// structured log line instead of pushing to a metrics backend, which this
// subsystem does not own (see DESIGN.md).
type LogRecorder struct {
	Logger *log.Logger
}

// NewLogRecorder returns a LogRecorder writing to log.Default().
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{Logger: log.Default()}
}

func (r *LogRecorder) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *LogRecorder) RecordRetrievalTime(elapsedMinutes float64, labels Labels) {
	r.logger().Printf("metric=job_build_retrieval_time value=%.4f job=%q platform=%q step=%q build_type=%q",
		elapsedMinutes, labels.Job, labels.Platform, labels.Step, labels.Build)
}

func (r *LogRecorder) RecordBuildAge(ageHours float64, labels Labels) {
	r.logger().Printf("metric=job_build_age value=%.4f job=%q platform=%q build_type=%q",
		ageHours, labels.Job, labels.Platform, labels.Build)
}

func (r *LogRecorder) RecordBuildRevision(revision int, labels Labels) {
	r.logger().Printf("metric=job_build_revision value=%d job=%q platform=%q task=%q",
		revision, labels.Job, labels.Platform, labels.Task)
}

var _ Recorder = &LogRecorder{}

// Platform returns the GOOS-derived platform label value used across all
// three metrics, analogous to the original's environment.platform().
func Platform() string {
	switch runtime.GOOS {
	case "darwin":
		return "MAC"
	case "windows":
		return "WINDOWS"
	case "linux":
		return "LINUX"
	default:
		return runtime.GOOS
	}
}

// NoopRecorder discards every metric; useful for tests and for callers that
// have not wired a Recorder.
type NoopRecorder struct{}

func (NoopRecorder) RecordRetrievalTime(float64, Labels) {}
func (NoopRecorder) RecordBuildAge(float64, Labels)      {}
func (NoopRecorder) RecordBuildRevision(int, Labels)     {}

var _ Recorder = NoopRecorder{}
