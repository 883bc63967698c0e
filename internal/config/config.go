// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package config loads a ProvisioningContext from environment variables,
// optionally overlaid with a YAML file, replacing the original's reliance on
// a global environment store with an explicit, testable struct.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/google/fuzzbuild/pkg/bucketpath"
)

// ProvisioningContext holds every environment-derived setting a build
// variant needs, loaded once up front instead of read ad hoc from a global
// environment store.
type ProvisioningContext struct {
	JobName       string `yaml:"job_name"`
	BuildsDir     string `yaml:"builds_dir"`
	BuildURLsDir  string `yaml:"build_urls_dir"`
	RootDir       string `yaml:"root_dir"`
	AppName       string `yaml:"app_name"`
	FuzzerDir     string `yaml:"fuzzer_dir"`
	FuzzTarget    string `yaml:"fuzz_target"`
	CustomBinary  string `yaml:"custom_binary"`
	TaskName      string `yaml:"task_name"`

	ReleaseBucketPath     bucketpath.BucketPath `yaml:"release_build_bucket_path"`
	SymReleaseBucketPath  bucketpath.BucketPath `yaml:"sym_release_build_bucket_path"`
	SymDebugBucketPath    bucketpath.BucketPath `yaml:"sym_debug_build_bucket_path"`
	FuzzTargetBucketPath  bucketpath.BucketPath `yaml:"fuzz_target_build_bucket_path"`
	ExtraBucketPath       bucketpath.BucketPath `yaml:"extra_build_bucket_path"`

	UnpackAllFuzzTargetsAndFiles bool `yaml:"unpack_all_fuzz_targets_and_files"`
	AllowUnpackOverHTTP          bool `yaml:"allow_unpack_over_http"`
	UseDefaultLLVMSymbolizer     bool `yaml:"use_default_llvm_symbolizer"`
}

// envPairs maps each ProvisioningContext string field to its environment
// variable name, in the fixed order §6 specifies.
var envPairs = []struct {
	name string
	set  func(*ProvisioningContext, string)
}{
	{"JOB_NAME", func(c *ProvisioningContext, v string) { c.JobName = v }},
	{"BUILDS_DIR", func(c *ProvisioningContext, v string) { c.BuildsDir = v }},
	{"BUILD_URLS_DIR", func(c *ProvisioningContext, v string) { c.BuildURLsDir = v }},
	{"ROOT_DIR", func(c *ProvisioningContext, v string) { c.RootDir = v }},
	{"APP_NAME", func(c *ProvisioningContext, v string) { c.AppName = v }},
	{"FUZZER_DIR", func(c *ProvisioningContext, v string) { c.FuzzerDir = v }},
	{"FUZZ_TARGET", func(c *ProvisioningContext, v string) { c.FuzzTarget = v }},
	{"CUSTOM_BINARY", func(c *ProvisioningContext, v string) { c.CustomBinary = v }},
	{"TASK_NAME", func(c *ProvisioningContext, v string) { c.TaskName = v }},
	{"RELEASE_BUILD_BUCKET_PATH", func(c *ProvisioningContext, v string) { c.ReleaseBucketPath = bucketpath.BucketPath(v) }},
	{"SYM_RELEASE_BUILD_BUCKET_PATH", func(c *ProvisioningContext, v string) { c.SymReleaseBucketPath = bucketpath.BucketPath(v) }},
	{"SYM_DEBUG_BUILD_BUCKET_PATH", func(c *ProvisioningContext, v string) { c.SymDebugBucketPath = bucketpath.BucketPath(v) }},
	{"FUZZ_TARGET_BUILD_BUCKET_PATH", func(c *ProvisioningContext, v string) { c.FuzzTargetBucketPath = bucketpath.BucketPath(v) }},
	{"EXTRA_BUILD_BUCKET_PATH", func(c *ProvisioningContext, v string) { c.ExtraBucketPath = bucketpath.BucketPath(v) }},
}

var boolEnvPairs = []struct {
	name string
	set  func(*ProvisioningContext, bool)
}{
	{"UNPACK_ALL_FUZZ_TARGETS_AND_FILES", func(c *ProvisioningContext, v bool) { c.UnpackAllFuzzTargetsAndFiles = v }},
	{"ALLOW_UNPACK_OVER_HTTP", func(c *ProvisioningContext, v bool) { c.AllowUnpackOverHTTP = v }},
	{"USE_DEFAULT_LLVM_SYMBOLIZER", func(c *ProvisioningContext, v bool) { c.UseDefaultLLVMSymbolizer = v }},
}

// LoadFromEnviron builds a ProvisioningContext purely from the process
// environment, per §6's fixed variable list.
func LoadFromEnviron() *ProvisioningContext {
	c := &ProvisioningContext{}
	for _, p := range envPairs {
		if v, ok := os.LookupEnv(p.name); ok {
			p.set(c, v)
		}
	}
	for _, p := range boolEnvPairs {
		if v, ok := os.LookupEnv(p.name); ok {
			b, err := strconv.ParseBool(v)
			if err == nil {
				p.set(c, b)
			}
		}
	}
	return c
}

// LoadWithOverrideFile builds a ProvisioningContext from the environment,
// then overlays any fields set in a YAML file at overridePath. A missing
// file is not an error: overrides are optional.
func LoadWithOverrideFile(overridePath string) (*ProvisioningContext, error) {
	c := LoadFromEnviron()
	if overridePath == "" {
		return c, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "reading override file %s", overridePath)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parsing override file %s", overridePath)
	}
	return c, nil
}
