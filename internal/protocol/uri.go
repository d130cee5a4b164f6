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

import "net/url"

// FlattenURIs walks a decoded result value and replaces any structured
// URL value with its plain string form. Backends assembled from typed
// result objects may carry url.URL values at the top level or nested
// inside generic content lists; the wire format wants strings.
func FlattenURIs(v interface{}) interface{} {
	switch val := v.(type) {
	case *url.URL:
		if val == nil {
			return nil
		}
		return val.String()
	case url.URL:
		return val.String()
	case map[string]interface{}:
		for k, item := range val {
			val[k] = FlattenURIs(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = FlattenURIs(item)
		}
		return val
	default:
		return v
	}
}
