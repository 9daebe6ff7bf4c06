// Copyright 2021 FerretDB Inc.
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

// Package version provides information about accessdb version and build configuration.
//
// # Extra files
//
// The following text files may be present in this (`build/version`) directory during building:
//   - version.txt (required) contains version in a format similar to `git describe` output.
//   - commit.txt (optional) contains information about the source git commit.
//   - branch.txt (optional) contains information about the source git branch.
//
// # Go build tags
//
//	accessdb_debug - enables debug build (implied by builds with race detector)
package version

import (
	"embed"
	"regexp"
	"runtime"
	runtimedebug "runtime/debug"
	"strconv"
	"strings"

	"github.com/vulgatecnn/afa100-sub008/internal/util/debugbuild"
	"github.com/vulgatecnn/afa100-sub008/internal/util/must"
)

//go:embed *.txt
var gen embed.FS

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Branch           string
	Dirty            bool
	DebugBuild       bool
	BuildEnvironment map[string]string
}

// info singleton instance set by init().
var info *Info

// unknown is a placeholder for unknown version, commit, and branch values.
const unknown = "unknown"

// module path from go.mod.
const module = "github.com/vulgatecnn/afa100-sub008"

// semVerTag is a https://semver.org/#is-there-a-suggested-regular-expression-regex-to-check-a-semver-string,
// but with a leading `v`.
//
//nolint:lll // for readability
var semVerTag = regexp.MustCompile(`^v(?P<major>0|[1-9]\d*)\.(?P<minor>0|[1-9]\d*)\.(?P<patch>0|[1-9]\d*)(?:-(?P<prerelease>(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+(?P<buildmetadata>[0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
func Get() *Info {
	return info
}

// initFromFiles initializes info from txt files.
func initFromFiles() {
	info = &Info{
		Version:    unknown,
		Commit:     unknown,
		Branch:     unknown,
		DebugBuild: debugbuild.Enabled,
		BuildEnvironment: map[string]string{
			"go.runtime": runtime.Version(),
		},
	}

	for f, sp := range map[string]*string{
		"version.txt": &info.Version,
		"commit.txt":  &info.Commit,
		"branch.txt":  &info.Branch,
	} {
		b, _ := gen.ReadFile(f)
		if s := strings.TrimSpace(string(b)); s != "" {
			*sp = s
		}
	}

	if !semVerTag.MatchString(info.Version) {
		panic("invalid version.txt")
	}
}

// readBuildInfo updates info from the Go build information
// when the main module is this one.
func readBuildInfo() {
	buildInfo, ok := runtimedebug.ReadBuildInfo()
	if !ok {
		return
	}

	info.BuildEnvironment["go.version"] = buildInfo.GoVersion

	if buildInfo.Main.Path != module {
		return
	}

	for _, s := range buildInfo.Settings {
		if v := s.Value; v != "" {
			info.BuildEnvironment[s.Key] = v
		}

		switch s.Key {
		case "vcs.revision":
			if info.Commit == unknown && s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.modified":
			info.Dirty = must.NotFail(strconv.ParseBool(s.Value))
		}
	}
}

func init() {
	initFromFiles()
	readBuildInfo()
}
