// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package diskbudget

import (
	"syscall"

	"github.com/pkg/errors"
)

// StatfsFreeSpacer reports free disk space via syscall.Statfs, the real
// FreeSpacer a production Budget is constructed with (tests substitute a
// fake instead).
type StatfsFreeSpacer struct{}

func (StatfsFreeSpacer) FreeSpace(root string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", root)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

var _ FreeSpacer = StatfsFreeSpacer{}
