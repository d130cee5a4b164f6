// Copyright 2025 Tom Barlow
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

package protocol

import "errors"

// SupportedVersions lists the protocol versions this gateway speaks,
// oldest first. Versions are ISO 8601 date stamps, so lexicographic
// comparison orders them correctly.
var SupportedVersions = []string{
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
}

// LatestVersion is the newest supported protocol version.
var LatestVersion = SupportedVersions[len(SupportedVersions)-1]

// ErrUnsupportedVersion is returned when the requested protocol version
// is older than every supported version.
var ErrUnsupportedVersion = errors.New("protocol: unsupported protocolVersion")

// NegotiateVersion selects the protocol version to use for a session.
// An exact match is returned unchanged. A newer-than-supported request
// falls back to the newest version older than it. A request older than
// every supported version fails the handshake.
func NegotiateVersion(requested string) (string, error) {
	best := ""
	for _, v := range SupportedVersions {
		if v == requested {
			return v, nil
		}
		if v < requested && v > best {
			best = v
		}
	}
	if best == "" {
		return "", ErrUnsupportedVersion
	}
	return best, nil
}

// IsSupportedVersion reports whether v is an exactly supported version.
func IsSupportedVersion(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}
