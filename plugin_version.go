// plugin_version.go: Semantic versions of plugins and snapshot version matching
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strconv"
	"strings"
)

// PluginVersion is a parsed semantic version.
//
// Example usage:
//
//	v1, _ := ParsePluginVersion("1.2.3-beta.1+build.123")
//	v2, _ := ParsePluginVersion("1.2.4")
//	if v1.Compare(v2) < 0 {
//	    // v1 is older
//	}
type PluginVersion struct {
	Major      uint64 `json:"major"`
	Minor      uint64 `json:"minor"`
	Patch      uint64 `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	Build      string `json:"build,omitempty"`
	Original   string `json:"original"`
}

// ParsePluginVersion parses "major.minor.patch[-prerelease][+build]".
// A leading "v" is accepted.
func ParsePluginVersion(version string) (*PluginVersion, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if raw == "" {
		return nil, NewInvalidVersionError(version, nil)
	}

	pv := &PluginVersion{Original: version}

	if idx := strings.IndexByte(raw, '+'); idx >= 0 {
		pv.Build = raw[idx+1:]
		raw = raw[:idx]
	}
	if idx := strings.IndexByte(raw, '-'); idx >= 0 {
		pv.Prerelease = raw[idx+1:]
		raw = raw[:idx]
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, NewInvalidVersionError(version, nil)
	}

	numbers := make([]uint64, 3)
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, NewInvalidVersionError(version, err)
		}
		numbers[i] = n
	}
	pv.Major, pv.Minor, pv.Patch = numbers[0], numbers[1], numbers[2]
	return pv, nil
}

// String returns the version in canonical form, without build metadata.
func (pv *PluginVersion) String() string {
	s := strconv.FormatUint(pv.Major, 10) + "." +
		strconv.FormatUint(pv.Minor, 10) + "." +
		strconv.FormatUint(pv.Patch, 10)
	if pv.Prerelease != "" {
		s += "-" + pv.Prerelease
	}
	return s
}

// Compare returns -1, 0 or 1. Build metadata is ignored; a release sorts
// after any of its prereleases.
func (pv *PluginVersion) Compare(other *PluginVersion) int {
	for _, pair := range [][2]uint64{
		{pv.Major, other.Major},
		{pv.Minor, other.Minor},
		{pv.Patch, other.Patch},
	} {
		switch {
		case pair[0] < pair[1]:
			return -1
		case pair[0] > pair[1]:
			return 1
		}
	}

	switch {
	case pv.Prerelease == other.Prerelease:
		return 0
	case pv.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	}
	return strings.Compare(pv.Prerelease, other.Prerelease)
}

// SatisfiesConstraint reports whether the version matches constraint:
// "*", an exact version, "^x.y.z" (same major, not older) or "~x.y.z"
// (same major and minor, not older).
func (pv *PluginVersion) SatisfiesConstraint(constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "*" {
		return true
	}

	op := byte(0)
	if strings.HasPrefix(constraint, "^") || strings.HasPrefix(constraint, "~") {
		op = constraint[0]
		constraint = constraint[1:]
	}

	target, err := ParsePluginVersion(constraint)
	if err != nil {
		return false
	}

	switch op {
	case '^':
		return pv.Major == target.Major && pv.Compare(target) >= 0
	case '~':
		return pv.Major == target.Major && pv.Minor == target.Minor && pv.Compare(target) >= 0
	default:
		return pv.Compare(target) == 0
	}
}

// versionMatches reports whether a snapshot version satisfies a rollback
// target. Unparseable versions fall back to string equality.
func versionMatches(version, target string) bool {
	if version == target {
		return true
	}
	pv, err := ParsePluginVersion(version)
	if err != nil {
		return false
	}
	return pv.SatisfiesConstraint(target)
}
